package grpcdoc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"mixbag/pkg/infrastructure/mirror"
)

// Client is a mirror.DocumentStore backed by a remote DocumentService.
type Client struct {
	cc     grpc.ClientConnInterface
	conn   *grpc.ClientConn
	logger logrus.FieldLogger
}

// Dial creates a plaintext connection to target. Extra options are applied
// after the default credentials.
func Dial(target string, logger logrus.FieldLogger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "create client for %s", target)
	}
	client := NewClient(conn, logger)
	client.conn = conn
	return client, nil
}

func NewClient(cc grpc.ClientConnInterface, logger logrus.FieldLogger) *Client {
	return &Client{cc: cc, logger: logger}
}

func (c *Client) Get(ctx context.Context, id string) (*mirror.Document, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, getMethod, wrapperspb.String(id), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, mirror.ErrDocumentNotFound
		}
		return nil, errors.Wrapf(err, "get %s", id)
	}

	var doc mirror.Document
	if err := json.Unmarshal(out.GetValue(), &doc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", id)
	}
	return &doc, nil
}

func (c *Client) Set(ctx context.Context, doc mirror.Document) (time.Time, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "encode %s", doc.ID)
	}
	out := new(timestamppb.Timestamp)
	if err := c.cc.Invoke(ctx, setMethod, wrapperspb.Bytes(data), out); err != nil {
		return time.Time{}, errors.Wrapf(err, "set %s", doc.ID)
	}
	return out.AsTime(), nil
}

func (c *Client) Watch(ctx context.Context, id string) (<-chan mirror.Document, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, errors.Wrapf(err, "watch %s", id)
	}
	if err := stream.SendMsg(wrapperspb.String(id)); err != nil {
		return nil, errors.Wrapf(err, "watch %s", id)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errors.Wrapf(err, "watch %s", id)
	}

	docs := make(chan mirror.Document)
	go func() {
		defer close(docs)
		for {
			in := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(in); err != nil {
				if ctx.Err() == nil {
					c.logger.WithError(err).WithField("document", id).Warn("watch stream ended")
				}
				return
			}

			var doc mirror.Document
			if err := json.Unmarshal(in.GetValue(), &doc); err != nil {
				c.logger.WithError(err).WithField("document", id).Error("failed to decode watched document")
				continue
			}
			select {
			case docs <- doc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return docs, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
