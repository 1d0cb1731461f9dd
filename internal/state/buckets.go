package state

import (
	"errors"
	"strings"
)

// Standard bucket names. Each is combined with a host namespace by Bucket.
const (
	BucketMarkers       = "markers"       // unit id -> completion marker
	BucketBackups       = "backups"       // backup id -> backup record
	BucketLeases        = "leases"        // lease id -> lease journal
	BucketConfirmations = "confirmations" // lease id -> operator confirmation
	BucketRuns          = "runs"          // run id -> run summary
	BucketJournal       = "journal"       // transaction id -> open transaction
)

// Bucket returns the host-scoped name of a standard bucket.
func Bucket(host, name string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "local"
	}
	return host + "/" + name
}

// EnsureBucket creates a bucket, treating an existing one as success.
func EnsureBucket(s Store, name string) error {
	if err := s.CreateBucket(name); err != nil && !errors.Is(err, ErrBucketExists) {
		return err
	}
	return nil
}
