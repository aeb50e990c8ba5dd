package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/apperr"
	"github.com/sells-group/apod-cache/internal/model"
)

// maxDocumentSize caps descriptor bodies.
const maxDocumentSize = 4 << 20

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// FetchDocument performs a foreground GET of a JSON object and returns it
// decoded together with the raw body. Transport failures and non-2xx
// responses are network errors; a body that is not a JSON object is a
// decode error. It waits for a running reattachment to finish first.
func (f *Fetcher) FetchDocument(ctx context.Context, rawURL, description string) (model.Document, []byte, error) {
	if err := f.barrier.wait(ctx, f.life); err != nil {
		return nil, nil, apperr.New(apperr.KindCancelled, "transfer: fetch document", err)
	}

	tp, err := f.transportFor(rawURL)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	id := uuid.NewString()
	log := zap.L().With(
		zap.String("task_id", id),
		zap.String("kind", string(model.TaskKindJSONFetch)),
		zap.String("description", description),
	)
	log.Debug("transfer: fetching document", zap.String("url", rawURL))

	resp, err := tp.open(ctx, transferRequest{URL: rawURL})
	if err != nil {
		log.Warn("transfer: document fetch failed", zap.Error(err))
		return nil, nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, nil, apperr.Network("transfer: fetch document", eris.Wrap(err, "read body"))
	}
	if len(raw) > maxDocumentSize {
		return nil, nil, apperr.Decode("transfer: fetch document", eris.Errorf("document exceeds %d bytes", maxDocumentSize))
	}

	doc, err := DecodeJSONObject[model.Document](bytes.NewReader(raw))
	if err != nil {
		return nil, raw, apperr.Decode("transfer: fetch document", err)
	}
	if *doc == nil {
		return nil, raw, apperr.Decode("transfer: fetch document", eris.New("json: document is null"))
	}

	log.Debug("transfer: document fetched", zap.Int("bytes", len(raw)))
	return *doc, raw, nil
}
