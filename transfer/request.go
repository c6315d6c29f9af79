package transfer

import (
	"fmt"

	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/storage"
)

// ObjectLocation names one object in one bucket.
type ObjectLocation = storage.Location

// Request identifies one staged object and the deployment it is moved for.
// A Request is not modified once a transfer has been created from it.
type Request struct {
	SourceBucket string
	SourceKey    string
	FailBucket   string
	Stage        string
	Region       string
	Size         int64 // from the notification, 0 when unknown
}

func (r Request) Source() ObjectLocation {
	return ObjectLocation{Bucket: r.SourceBucket, Key: r.SourceKey}
}

// Quarantine is where the object is copied when delivery fails: the same key
// in the fail bucket.
func (r Request) Quarantine() ObjectLocation {
	return ObjectLocation{Bucket: r.FailBucket, Key: r.SourceKey}
}

func (r Request) Validate() error {
	if err := r.Source().Validate(); err != nil {
		return err
	}
	if r.FailBucket == "" {
		return fmt.Errorf("%w: empty fail bucket", consts.ErrInvalidRequest)
	}
	if r.FailBucket == r.SourceBucket {
		// Quarantining would copy the object onto itself and then delete it.
		return fmt.Errorf("%w: fail bucket %q is the source bucket", consts.ErrInvalidRequest, r.FailBucket)
	}
	if r.Stage == "" {
		return fmt.Errorf("%w: empty stage", consts.ErrInvalidRequest)
	}
	return nil
}
