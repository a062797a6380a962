package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	pfirestore "github.com/stridewear/api/internal/platform/firestore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizePageSize(size int) int {
	if size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}

// listCursor is the decoded page token shared by createdAt-ordered listings.
type listCursor struct {
	ID        string
	CreatedAt time.Time
}

func encodeListCursor(cursor listCursor) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(cursor); err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeListCursor(encoded string) (listCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return listCursor{}, fmt.Errorf("decode page token: %w", err)
	}
	var cursor listCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return listCursor{}, fmt.Errorf("decode page token json: %w", err)
	}
	return cursor, nil
}

type pagedDocument[T any] struct {
	id   string
	data T
}

// collectDocuments drains a query sized pageSize+1 and reports whether a
// further page exists.
func collectDocuments[T any](ctx context.Context, query firestore.Query, pageSize int, op string) ([]pagedDocument[T], bool, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []pagedDocument[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, false, pfirestore.WrapError(op, err)
		}
		var data T
		if err := snap.DataTo(&data); err != nil {
			return nil, false, fmt.Errorf("decode document %s: %w", snap.Ref.ID, err)
		}
		docs = append(docs, pagedDocument[T]{id: snap.Ref.ID, data: data})
	}

	hasMore := len(docs) > pageSize
	if hasMore {
		docs = docs[:pageSize]
	}
	return docs, hasMore, nil
}
