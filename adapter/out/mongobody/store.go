// Package mongobody implements the body/attachment blob store on MongoDB,
// adapted from the teacher's worker_email_body_adapter.go: one document
// per message or attachment, gzip-compressed above a size threshold.
package mongobody

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailsync/core/port/out"
)

const (
	collectionBodies      = "message_bodies"
	collectionAttachments = "attachment_payloads"

	// compressionThreshold matches the teacher's 1KB cutoff: smaller
	// payloads aren't worth the gzip framing overhead.
	compressionThreshold = 1024
)

// Store implements out.BodyStore over two Mongo collections.
type Store struct {
	db          *mongo.Database
	bodies      *mongo.Collection
	attachments *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{
		db:          db,
		bodies:      db.Collection(collectionBodies),
		attachments: db.Collection(collectionAttachments),
	}
}

// EnsureIndexes creates the unique key indexes both collections rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.bodies.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongobody: ensure body index: %w", err)
	}
	_, err = s.attachments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "attachment_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongobody: ensure attachment index: %w", err)
	}
	return nil
}

// messageBodyDocument is the document shape for collectionBodies.
type messageBodyDocument struct {
	MessageID    string `bson:"message_id"`
	Text         []byte `bson:"text"`
	HTML         []byte `bson:"html"`
	HasText      bool   `bson:"has_text"`
	HasHTML      bool   `bson:"has_html"`
	IsCompressed bool   `bson:"is_compressed"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type attachmentDocument struct {
	AttachmentID string    `bson:"attachment_id"`
	Payload      []byte    `bson:"payload"`
	IsCompressed bool      `bson:"is_compressed"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (s *Store) FetchBody(ctx context.Context, messageID string) (text, html *string, err error) {
	var doc messageBodyDocument
	err = s.bodies.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("mongobody: fetch body: %w", err)
	}

	textBytes, htmlBytes := doc.Text, doc.HTML
	if doc.IsCompressed {
		if textBytes, err = decompress(textBytes); err != nil {
			return nil, nil, fmt.Errorf("mongobody: decompress text: %w", err)
		}
		if htmlBytes, err = decompress(htmlBytes); err != nil {
			return nil, nil, fmt.Errorf("mongobody: decompress html: %w", err)
		}
	}
	if doc.HasText {
		v := string(textBytes)
		text = &v
	}
	if doc.HasHTML {
		v := string(htmlBytes)
		html = &v
	}
	return text, html, nil
}

func (s *Store) UpdateMessageBody(ctx context.Context, messageID string, text, html *string) error {
	var textBytes, htmlBytes []byte
	if text != nil {
		textBytes = []byte(*text)
	}
	if html != nil {
		htmlBytes = []byte(*html)
	}

	isCompressed := false
	if len(textBytes)+len(htmlBytes) > compressionThreshold {
		compressedText, err := compress(textBytes)
		if err != nil {
			return fmt.Errorf("mongobody: compress text: %w", err)
		}
		compressedHTML, err := compress(htmlBytes)
		if err != nil {
			return fmt.Errorf("mongobody: compress html: %w", err)
		}
		textBytes, htmlBytes = compressedText, compressedHTML
		isCompressed = true
	}

	doc := messageBodyDocument{
		MessageID:    messageID,
		Text:         textBytes,
		HTML:         htmlBytes,
		HasText:      text != nil,
		HasHTML:      html != nil,
		IsCompressed: isCompressed,
		UpdatedAt:    time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	_, err := s.bodies.ReplaceOne(ctx, bson.M{"message_id": messageID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongobody: update message body: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessageBody(ctx context.Context, messageID string) error {
	_, err := s.bodies.DeleteOne(ctx, bson.M{"message_id": messageID})
	if err != nil {
		return fmt.Errorf("mongobody: delete message body: %w", err)
	}
	return nil
}

func (s *Store) SaveAttachmentPayload(ctx context.Context, attachmentID string, payload []byte) error {
	payloadBytes := payload
	isCompressed := false
	if len(payload) > compressionThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return fmt.Errorf("mongobody: compress attachment: %w", err)
		}
		payloadBytes = compressed
		isCompressed = true
	}

	doc := attachmentDocument{
		AttachmentID: attachmentID,
		Payload:      payloadBytes,
		IsCompressed: isCompressed,
		CreatedAt:    time.Now(),
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.attachments.ReplaceOne(ctx, bson.M{"attachment_id": attachmentID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongobody: save attachment payload: %w", err)
	}
	return nil
}

func (s *Store) GetAttachmentPayload(ctx context.Context, attachmentID string) ([]byte, error) {
	var doc attachmentDocument
	err := s.attachments.FindOne(ctx, bson.M{"attachment_id": attachmentID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongobody: get attachment payload: %w", err)
	}
	if doc.IsCompressed {
		return decompress(doc.Payload)
	}
	return doc.Payload, nil
}

func (s *Store) DeleteAttachmentPayload(ctx context.Context, attachmentID string) error {
	_, err := s.attachments.DeleteOne(ctx, bson.M{"attachment_id": attachmentID})
	if err != nil {
		return fmt.Errorf("mongobody: delete attachment payload: %w", err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

var _ out.BodyStore = (*Store)(nil)
