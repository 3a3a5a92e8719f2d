package s3store

import (
	"bytes"
	"errors"
	"io"
)

// apiError is the subset of smithy-go's APIError this package needs,
// declared locally so no extra module beyond aws-sdk-go-v2 is required
// for this one type switch.
type apiError interface {
	ErrorCode() string
}

func asAPIError(err error, target *interface{ ErrorCode() string }) bool {
	var ae apiError
	if errors.As(err, &ae) {
		*target = ae
		return true
	}
	return false
}

func bytesReader(b []byte) io.ReadSeeker {
	return bytes.NewReader(b)
}
