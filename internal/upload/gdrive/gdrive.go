// Package gdrive implements the Google Drive upload executor (§4.5.1)
// against raw net/http, not the generated google.golang.org/api client,
// because the resumable protocol here needs bit-exact control over
// Content-Range headers and 308-continue handling — the same reason
// Google's own internal gensupport.ResumableUpload package (not
// importable outside the client library) hand-rolls its own HTTP calls
// rather than going through a higher-level abstraction.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"jobpipeline/internal/coordination"
	"jobpipeline/internal/netutil"
	"jobpipeline/internal/pipelineerrors"
	"jobpipeline/internal/store"
	"jobpipeline/internal/upload"
)

const (
	chunkSize  = 10 * 1024 * 1024 // must be a multiple of 256 KiB
	apiBase    = "https://www.googleapis.com/drive/v3"
	uploadBase = "https://www.googleapis.com/upload/drive/v3"
	tokenURL   = "https://oauth2.googleapis.com/token"
)

// credentials is the decoded shape of UserStorageProfile.CredentialsJSON
// for a Drive profile. The refreshed half of the pair is carried as an
// oauth2.Token so the rest of the system can hand a profile's credentials
// to anything else in the ecosystem that already speaks golang.org/x/oauth2,
// even though the refresh call itself stays hand-rolled against net/http
// for header-level control over the request.
type credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	Token        *oauth2.Token `json:"token,omitempty"`
}

// Uploader implements upload.Uploader for Google Drive.
type Uploader struct {
	httpClient *http.Client
	cache      *coordination.Cache
	db         *store.Store
	bandwidth  *netutil.BandwidthManager
}

func New(httpClient *http.Client, cache *coordination.Cache, db *store.Store, bandwidth *netutil.BandwidthManager) *Uploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if bandwidth == nil {
		bandwidth = netutil.NewBandwidthManager()
	}
	return &Uploader{httpClient: httpClient, cache: cache, db: db, bandwidth: bandwidth}
}

func (u *Uploader) ProviderType() store.ProviderType { return store.ProviderGoogleDrive }

// refreshToken implements the auth contract of §4.5.1: decode
// credentials, require a refresh token, POST to the OAuth token
// endpoint, persist the new access token.
func (u *Uploader) refreshToken(ctx context.Context, profile *store.UserStorageProfile) (string, error) {
	var creds credentials
	if err := json.Unmarshal([]byte(profile.CredentialsJSON), &creds); err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindAuthorization, "refresh token", pipelineerrors.ErrMissingCredentials)
	}
	if creds.RefreshToken == "" {
		return "", pipelineerrors.New(pipelineerrors.KindAuthorization, "refresh token", pipelineerrors.ErrNoRefreshToken)
	}

	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindAuthorization, "refresh token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindAuthorization, "refresh token", pipelineerrors.ErrRefreshFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", pipelineerrors.New(pipelineerrors.KindAuthorization, "refresh token", pipelineerrors.ErrRefreshFailed)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindAuthorization, "refresh token", err)
	}

	creds.Token = &oauth2.Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().UTC().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	if encoded, err := json.Marshal(creds); err == nil {
		profile.CredentialsJSON = string(encoded)
		if err := u.db.SaveStorageProfile(ctx, profile); err != nil {
			return "", pipelineerrors.New(pipelineerrors.KindTransient, "persist refreshed token", err)
		}
	}

	return creds.Token.AccessToken, nil
}

func (u *Uploader) Upload(ctx context.Context, job *store.UserJob, downloadPath string, report upload.ProgressReport) error {
	profile, err := u.db.GetStorageProfile(ctx, job.StorageProfileID)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "load storage profile", err)
	}
	token, err := u.refreshToken(ctx, profile)
	if err != nil {
		return err
	}

	rootFolderID, err := u.ensureRootFolder(ctx, token, job.ID)
	if err != nil {
		return err
	}

	dirCache := map[string]string{"": rootFolderID}
	reporter := newProgressReporter(job.TotalBytes, report)

	var dirs []string
	err = upload.WalkEligibleFiles(downloadPath, job.SelectedFilePaths, func(absPath, relPath string, size int64) error {
		dir := path.Dir(relPath)
		if dir == "." {
			dir = ""
		}
		dirs = append(dirs, dir)
		return nil
	})
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindTransient, "walk files", err)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if _, ok := dirCache[dir]; ok {
			continue
		}
		folderID, err := u.findOrCreateFolder(ctx, token, dir, rootFolderID, dirCache)
		if err != nil {
			// fall back to the parent folder (root for top-level dirs) per §4.5.1;
			// dirs are sorted, so a parent is resolved before its children
			fallback := rootFolderID
			if parent := path.Dir(dir); parent != "." {
				if id, ok := dirCache[parent]; ok {
					fallback = id
				}
			}
			dirCache[dir] = fallback
			continue
		}
		dirCache[dir] = folderID
	}

	return upload.WalkEligibleFiles(downloadPath, job.SelectedFilePaths, func(absPath, relPath string, size int64) error {
		dir := path.Dir(relPath)
		if dir == "." {
			dir = ""
		}
		parentID := dirCache[dir]
		if parentID == "" {
			parentID = rootFolderID
		}
		return u.uploadFile(ctx, token, job.ID, absPath, relPath, parentID, size, reporter)
	})
}

func (u *Uploader) ensureRootFolder(ctx context.Context, token string, jobID uint) (string, error) {
	key := coordination.RootFolderKey(jobID)
	if id, ok, err := u.cache.Get(ctx, key); err == nil && ok {
		return id, nil
	}

	name := fmt.Sprintf("Torrent_%d_%s", jobID, time.Now().UTC().Format("20060102_150405"))
	body, _ := json.Marshal(map[string]interface{}{
		"name":     name,
		"mimeType": "application/vnd.google-apps.folder",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files?fields=id,name", bytes.NewReader(body))
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindTransient, "create root folder", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindTransient, "create root folder", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", pipelineerrors.New(pipelineerrors.KindProtocolConsistency, "create root folder", fmt.Errorf("status %d", resp.StatusCode))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindTransient, "create root folder", err)
	}

	_ = u.cache.Set(ctx, key, created.ID, coordination.RootFolderTTL)
	return created.ID, nil
}

func (u *Uploader) findOrCreateFolder(ctx context.Context, token, relDir, rootFolderID string, dirCache map[string]string) (string, error) {
	parent := rootFolderID
	if p := path.Dir(relDir); p != "." && p != relDir {
		if id, ok := dirCache[p]; ok {
			parent = id
		}
	}
	name := path.Base(relDir)

	q := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false and '%s' in parents", escapeQuery(name), parent)
	found, err := u.queryOne(ctx, token, q)
	if err == nil && found != "" {
		return found, nil
	}

	body, _ := json.Marshal(map[string]interface{}{
		"name":     name,
		"mimeType": "application/vnd.google-apps.folder",
		"parents":  []string{parent},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files?fields=id,name", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create folder status %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (u *Uploader) queryOne(ctx context.Context, token, q string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/files?q="+url.QueryEscape(q)+"&fields=files(id,name)&pageSize=1", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var result struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Files) == 0 {
		return "", nil
	}
	return result.Files[0].ID, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

func (u *Uploader) uploadFile(ctx context.Context, token string, jobID uint, absPath, relPath, parentID string, size int64, reporter *progressReporter) error {
	completedKey := coordination.CompletedKey(jobID, relPath)
	if _, ok, err := u.cache.Get(ctx, completedKey); err == nil && ok {
		reporter.fileDone(size)
		return nil
	}

	name := path.Base(relPath)
	q := fmt.Sprintf("name='%s' and trashed=false and '%s' in parents", escapeQuery(name), parentID)
	if existingID, err := u.queryOne(ctx, token, q); err == nil && existingID != "" {
		_ = u.cache.Set(ctx, completedKey, existingID, coordination.CompletedTTL)
		reporter.fileDone(size)
		return nil
	}

	resumeKey := coordination.ResumeKey(jobID, relPath)
	resumeURI, hasResume, _ := u.cache.Get(ctx, resumeKey)

	var startOffset int64
	if hasResume {
		status, offset, err := u.queryUploadStatus(ctx, resumeURI, size)
		if err != nil {
			_ = u.cache.Delete(ctx, resumeKey)
			hasResume = false
		} else if status == uploadDone {
			_ = u.cache.Delete(ctx, resumeKey)
			_ = u.cache.Set(ctx, completedKey, "", coordination.CompletedTTL)
			reporter.fileDone(size)
			return nil
		} else {
			startOffset = offset
		}
	}

	if !hasResume {
		uri, err := u.initiateResumable(ctx, token, name, parentID, size)
		if err != nil {
			return err
		}
		resumeURI = uri
		_ = u.cache.Set(ctx, resumeKey, resumeURI, coordination.ResumeTTL)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return pipelineerrors.New(pipelineerrors.KindNotFound, "open file", err)
	}
	defer f.Close()

	fileID, err := u.streamChunks(ctx, resumeURI, f, startOffset, size, reporter)
	if err != nil {
		status, uploaded, statusErr := u.queryUploadStatus(ctx, resumeURI, size)
		if statusErr == nil && status != uploadDone {
			reporter.update(uploaded)
		}
		return err
	}

	_ = u.cache.Delete(ctx, resumeKey)
	_ = u.cache.Set(ctx, completedKey, fileID, coordination.CompletedTTL)
	reporter.fileDone(size)
	return nil
}

func (u *Uploader) initiateResumable(ctx context.Context, token, name, parentID string, size int64) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"name":    name,
		"parents": []string{parentID},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadBase+"/files?uploadType=resumable&fields=id,name", bytes.NewReader(body))
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindTransient, "initiate resumable upload", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindTransient, "initiate resumable upload", err)
	}
	defer resp.Body.Close()

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", pipelineerrors.New(pipelineerrors.KindProtocolConsistency, "initiate resumable upload", fmt.Errorf("no Location header, status %d", resp.StatusCode))
	}
	return loc, nil
}

type uploadStatus int

const (
	uploadIncomplete uploadStatus = iota
	uploadDone
)

func (u *Uploader) queryUploadStatus(ctx context.Context, resumeURI string, total int64) (uploadStatus, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, resumeURI, nil)
	if err != nil {
		return uploadIncomplete, 0, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
	req.ContentLength = 0

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return uploadIncomplete, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return uploadDone, total, nil
	}
	if resp.StatusCode == http.StatusPermanentRedirect || resp.StatusCode == 308 {
		rangeHdr := resp.Header.Get("Range")
		if rangeHdr == "" {
			return uploadIncomplete, 0, nil
		}
		var lastByte int64
		_, err := fmt.Sscanf(rangeHdr, "bytes=0-%d", &lastByte)
		if err != nil {
			return uploadIncomplete, 0, nil
		}
		return uploadIncomplete, lastByte + 1, nil
	}
	return uploadIncomplete, 0, fmt.Errorf("unexpected status querying upload status: %d", resp.StatusCode)
}

// streamChunks sends the file in chunkSize pieces starting at startOffset,
// returning the drive file id once the server reports completion.
func (u *Uploader) streamChunks(ctx context.Context, resumeURI string, f *os.File, startOffset, total int64, reporter *progressReporter) (string, error) {
	offset := startOffset
	buf := make([]byte, chunkSize)

	for offset < total {
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return "", pipelineerrors.New(pipelineerrors.KindIntegrityViolation, "read chunk", err)
		}
		if n == 0 {
			break
		}
		if err := u.bandwidth.Wait(ctx, n); err != nil {
			return "", pipelineerrors.New(pipelineerrors.KindTransient, "bandwidth wait", err)
		}
		end := offset + int64(n) - 1

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, resumeURI, bytes.NewReader(buf[:n]))
		if err != nil {
			return "", err
		}
		req.ContentLength = int64(n)
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, total))

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return "", pipelineerrors.New(pipelineerrors.KindTransient, "upload chunk", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var result struct {
				ID string `json:"id"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&result)
			resp.Body.Close()
			reporter.update(total)
			if result.ID != "" {
				return result.ID, nil
			}
			// Server confirmed completion without a body (rare); finalize explicitly.
			return u.finalize(ctx, resumeURI, total)

		case resp.StatusCode == 308:
			resp.Body.Close()
			offset = end + 1
			reporter.update(offset)

		default:
			resp.Body.Close()
			return "", pipelineerrors.New(pipelineerrors.KindProtocolConsistency, "upload chunk", fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}

	// All bytes sent but the last response was 308: finalize explicitly
	// per §4.5.1 step 4 / E4.
	return u.finalize(ctx, resumeURI, total)
}

func (u *Uploader) finalize(ctx context.Context, resumeURI string, total int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, resumeURI, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
	req.ContentLength = 0

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", pipelineerrors.New(pipelineerrors.KindTransient, "finalize upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", pipelineerrors.New(pipelineerrors.KindProtocolConsistency, "finalize upload", fmt.Errorf("status %d", resp.StatusCode))
	}
	var result struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result.ID, nil
}

// Cleanup has nothing provider-specific to undo for Drive: the resume URI
// cache entry remains valid for a later retry, which is the point of the
// resumable protocol.
func (u *Uploader) Cleanup(context.Context, *store.UserJob) {}
