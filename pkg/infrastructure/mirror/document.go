package mirror

import (
	"context"
	"errors"
	"time"

	"mixbag/pkg/domain/model"
)

const DefaultDocumentID = "shared-inventory"

var ErrDocumentNotFound = errors.New("remote document not found")

// Document is the single shared remote record. Origin and Revision identify
// the client push that produced it.
type Document struct {
	ID        string         `json:"id"`
	Snapshot  model.Snapshot `json:"snapshot"`
	Origin    string         `json:"origin"`
	Revision  int64          `json:"revision"`
	UpdatedAt time.Time      `json:"lastUpdated"`
}

// DocumentStore is a remote document service. Set stamps UpdatedAt on the
// server side and returns it. Watch delivers every later write of the document
// until ctx is cancelled, then closes the channel.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*Document, error)
	Set(ctx context.Context, doc Document) (time.Time, error)
	Watch(ctx context.Context, id string) (<-chan Document, error)
}
