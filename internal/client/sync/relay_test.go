package sync

import (
	"context"
	"sync"
	"time"

	"github.com/iudanet/wmssync/internal/crdt"
	"github.com/iudanet/wmssync/pkg/api"
)

// relay is an in-memory stand-in for the sync server
type relay struct {
	seen     map[string]bool
	docs     map[string]*crdt.Document
	log      []api.ChangeRecord
	received int
	mu       sync.Mutex
}

func newRelay() *relay {
	return &relay{
		seen: make(map[string]bool),
		docs: make(map[string]*crdt.Document),
	}
}

func (r *relay) transport() *TransportMock {
	return &TransportMock{
		SendFunc:  r.send,
		FetchFunc: r.fetch,
	}
}

func (r *relay) send(_ context.Context, _ string, msg *api.SyncMessage) (*api.SyncAck, error) {
	push, err := msg.Push()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(push.Changes))
	var errs []api.SyncError
	for _, c := range push.Changes {
		ids = append(ids, c.ID)
		r.received++
		if r.seen[c.ID] {
			continue
		}

		if c.Operation == api.OperationMerge {
			key := c.TableName + "/" + c.RecordID
			doc, ok := r.docs[key]
			if ok {
				err = doc.Merge(c.ChangeBytes)
			} else {
				doc, err = crdt.Load(c.ChangeBytes, "relay")
			}
			if err != nil {
				errs = append(errs, api.SyncError{ChangeID: c.ID, ErrorCode: api.CodeCorruptDocument, Message: err.Error()})
				continue
			}
			r.docs[key] = doc

			merged, err := doc.Save()
			if err != nil {
				return nil, err
			}
			c.ChangeBytes = merged
		}

		r.seen[c.ID] = true
		c.Version = int64(len(r.log) + 1)
		r.log = append(r.log, c)
	}

	ack, _ := api.NewAck("relay", ids, errs).Ack()
	return ack, nil
}

func (r *relay) fetch(_ context.Context, _ string, msg *api.SyncMessage) (*api.SyncResponse, error) {
	req, err := msg.Request()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	since := make(map[string]int64, len(req.Versions))
	for _, v := range req.Versions {
		since[v.TableName] = v.Version
	}
	wanted := make(map[string]bool, len(req.Tables))
	for _, t := range req.Tables {
		wanted[t] = true
	}
	limit := api.DefaultRequestLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	var (
		out     []api.ChangeRecord
		hasMore bool
	)
	for _, c := range r.log {
		if len(wanted) > 0 && !wanted[c.TableName] {
			continue
		}
		if c.Version <= since[c.TableName] {
			continue
		}
		if len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, c)
	}

	resp, _ := api.NewResponse("relay", out, hasMore, time.Now().UTC()).Response()
	return resp, nil
}

func (r *relay) logLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}
