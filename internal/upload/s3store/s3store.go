// Package s3store implements the S3-compatible upload executor (§4.5.2):
// per-file multipart upload with resume via ListParts reconciliation and
// progress persistence every part, grounded on the part-loop/resume
// structure of the retrieval pack's concurrent S3 uploader (simplified
// here to sequential part upload, since the scenarios this executor must
// satisfy describe sequential part numbering rather than concurrent
// races).
package s3store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"jobpipeline/internal/netutil"
	"jobpipeline/internal/pipelineerrors"
	"jobpipeline/internal/store"
	"jobpipeline/internal/upload"
)

const partSize int64 = 10 * 1024 * 1024

// Uploader implements upload.Uploader for S3-compatible object stores.
type Uploader struct {
	client    *s3.Client
	bucket    string
	db        *store.Store
	bandwidth *netutil.BandwidthManager
}

func New(client *s3.Client, bucket string, db *store.Store, bandwidth *netutil.BandwidthManager) *Uploader {
	if bandwidth == nil {
		bandwidth = netutil.NewBandwidthManager()
	}
	return &Uploader{client: client, bucket: bucket, db: db, bandwidth: bandwidth}
}

func (u *Uploader) ProviderType() store.ProviderType { return store.ProviderS3 }

// VerifyCredentials lists one object of the bucket, mapping failures per
// §4.5.2.
func (u *Uploader) VerifyCredentials(ctx context.Context) error {
	_, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(u.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err == nil {
		return nil
	}
	var apiErr interface{ ErrorCode() string }
	if ok := asAPIError(err, &apiErr); ok {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return pipelineerrors.New(pipelineerrors.KindAuthorization, "verify credentials", fmt.Errorf("access denied"))
		case "NoSuchBucket":
			return pipelineerrors.New(pipelineerrors.KindNotFound, "verify credentials", fmt.Errorf("bucket not found"))
		}
	}
	return pipelineerrors.New(pipelineerrors.KindTransient, "verify credentials", err)
}

func key(jobID uint, relativePath string) string {
	return fmt.Sprintf("torrents/%d/%s", jobID, relativePath)
}

func (u *Uploader) Upload(ctx context.Context, job *store.UserJob, downloadPath string, report upload.ProgressReport) error {
	var uploadedTotal int64

	err := upload.WalkEligibleFiles(downloadPath, job.SelectedFilePaths, func(absPath, relPath string, size int64) error {
		n, err := u.uploadFile(ctx, job.ID, absPath, relPath, size)
		uploadedTotal += n
		if report != nil {
			report(uploadedTotal)
		}
		return err
	})
	if err != nil {
		return err
	}
	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, jobID uint, absPath, relPath string, size int64) (int64, error) {
	s3Key := key(jobID, relPath)

	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(u.bucket), Key: aws.String(s3Key)})
	if err == nil {
		return size, nil // already uploaded
	}

	progress, err := u.db.GetS3Progress(ctx, jobID, absPath)
	if err != nil {
		return 0, pipelineerrors.New(pipelineerrors.KindTransient, "load progress", err)
	}

	totalParts := int((size + partSize - 1) / partSize)
	completedETags := make(map[int]string)

	if progress != nil && progress.Status == store.UploadInProgress && progress.UploadID != "" {
		listed, err := u.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket: aws.String(u.bucket), Key: aws.String(s3Key), UploadId: aws.String(progress.UploadID),
		})
		if err != nil {
			return 0, pipelineerrors.New(pipelineerrors.KindTransient, "list parts", err)
		}
		for _, p := range listed.Parts {
			completedETags[int(aws.ToInt32(p.PartNumber))] = aws.ToString(p.ETag)
		}
	} else {
		created, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(u.bucket), Key: aws.String(s3Key),
		})
		if err != nil {
			return 0, pipelineerrors.New(pipelineerrors.KindTransient, "create multipart upload", err)
		}
		progress = &store.S3UploadProgress{
			JobID: jobID, LocalFilePath: absPath, S3Key: s3Key,
			UploadID: aws.ToString(created.UploadId),
			PartSize: partSize, TotalParts: totalParts,
			Status: store.UploadInProgress, TotalBytes: size,
		}
		now := time.Now().UTC()
		progress.StartedAt = &now
		if err := u.db.UpsertS3Progress(ctx, progress); err != nil {
			return 0, pipelineerrors.New(pipelineerrors.KindTransient, "persist progress", err)
		}
	}

	f, err := os.Open(absPath)
	if err != nil {
		return 0, pipelineerrors.New(pipelineerrors.KindNotFound, "open file", err)
	}
	defer f.Close()

	var bytesUploaded int64
	for partNum := 1; partNum <= totalParts; partNum++ {
		if _, done := completedETags[partNum]; done {
			bytesUploaded += partLength(partNum, totalParts, size)
			continue
		}

		offset := int64(partNum-1) * partSize
		length := partLength(partNum, totalParts, size)
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, offset); err != nil {
			return bytesUploaded, pipelineerrors.New(pipelineerrors.KindIntegrityViolation, "read part", err)
		}
		if err := u.bandwidth.Wait(ctx, int(length)); err != nil {
			return bytesUploaded, pipelineerrors.New(pipelineerrors.KindTransient, "bandwidth wait", err)
		}

		res, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket: aws.String(u.bucket), Key: aws.String(s3Key), UploadId: aws.String(progress.UploadID),
			PartNumber: aws.Int32(int32(partNum)), Body: bytesReader(buf),
		})
		if err != nil {
			return bytesUploaded, pipelineerrors.New(pipelineerrors.KindTransient, "upload part", err)
		}
		completedETags[partNum] = aws.ToString(res.ETag)
		bytesUploaded += length

		progress.PartsCompleted = len(completedETags)
		progress.BytesUploaded = bytesUploaded
		progress.PartETags = etagSlice(completedETags, totalParts)
		if err := u.db.UpsertS3Progress(ctx, progress); err != nil {
			return bytesUploaded, pipelineerrors.New(pipelineerrors.KindTransient, "persist progress", err)
		}
	}

	completedParts := make([]types.CompletedPart, 0, totalParts)
	for n := 1; n <= totalParts; n++ {
		completedParts = append(completedParts, types.CompletedPart{
			PartNumber: aws.Int32(int32(n)), ETag: aws.String(completedETags[n]),
		})
	}
	sort.Slice(completedParts, func(i, j int) bool {
		return aws.ToInt32(completedParts[i].PartNumber) < aws.ToInt32(completedParts[j].PartNumber)
	})

	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket: aws.String(u.bucket), Key: aws.String(s3Key), UploadId: aws.String(progress.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completedParts},
	})
	if err != nil {
		return bytesUploaded, pipelineerrors.New(pipelineerrors.KindProtocolConsistency, "complete multipart upload", err)
	}

	if err := u.db.DeleteS3Progress(ctx, progress.ID); err != nil {
		return bytesUploaded, pipelineerrors.New(pipelineerrors.KindTransient, "delete progress row", err)
	}

	return bytesUploaded, nil
}

func partLength(partNum, totalParts int, totalSize int64) int64 {
	if partNum < totalParts {
		return partSize
	}
	return totalSize - int64(totalParts-1)*partSize
}

func etagSlice(etags map[int]string, totalParts int) []string {
	out := make([]string, 0, len(etags))
	for n := 1; n <= totalParts; n++ {
		if tag, ok := etags[n]; ok {
			out = append(out, tag)
		}
	}
	return out
}

// Cleanup aborts every InProgress multipart upload for the job, per
// §4.5.2 step 5. Individual abort errors, and a failure to list the
// InProgress rows, are discarded without being logged.
func (u *Uploader) Cleanup(ctx context.Context, job *store.UserJob) {
	rows, err := u.db.InProgressS3Uploads(ctx, job.ID)
	if err != nil {
		return
	}
	for _, row := range rows {
		_, _ = u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(u.bucket), Key: aws.String(row.S3Key), UploadId: aws.String(row.UploadID),
		})
	}
}
