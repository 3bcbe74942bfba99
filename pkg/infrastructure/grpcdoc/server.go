package grpcdoc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"mixbag/pkg/infrastructure/mirror"
)

// Server exposes any mirror.DocumentStore over gRPC.
type Server struct {
	store  mirror.DocumentStore
	logger logrus.FieldLogger
}

func NewServer(store mirror.DocumentStore, logger logrus.FieldLogger) *Server {
	return &Server{store: store, logger: logger}
}

func (s *Server) Get(ctx context.Context, id *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	doc, err := s.store.Get(ctx, id.GetValue())
	if err != nil {
		if errors.Is(err, mirror.ErrDocumentNotFound) {
			return nil, status.Errorf(codes.NotFound, "document %q not found", id.GetValue())
		}
		s.logger.WithError(err).WithField("document", id.GetValue()).Error("failed to get document")
		return nil, status.Error(codes.Internal, "get document")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode document")
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) Set(ctx context.Context, in *wrapperspb.BytesValue) (*timestamppb.Timestamp, error) {
	var doc mirror.Document
	if err := json.Unmarshal(in.GetValue(), &doc); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode document: %v", err)
	}
	if doc.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "document id is required")
	}

	updatedAt, err := s.store.Set(ctx, doc)
	if err != nil {
		s.logger.WithError(err).WithField("document", doc.ID).Error("failed to set document")
		return nil, status.Error(codes.Internal, "set document")
	}
	s.logger.WithFields(logrus.Fields{
		"document": doc.ID,
		"origin":   doc.Origin,
		"revision": doc.Revision,
	}).Info("document updated")
	return timestamppb.New(updatedAt), nil
}

func (s *Server) Watch(id *wrapperspb.StringValue, stream grpc.ServerStream) error {
	docs, err := s.store.Watch(stream.Context(), id.GetValue())
	if err != nil {
		s.logger.WithError(err).WithField("document", id.GetValue()).Error("failed to watch document")
		return status.Error(codes.Internal, "watch document")
	}

	for doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return status.Error(codes.Internal, "encode document")
		}
		if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
			return err
		}
	}
	return nil
}
