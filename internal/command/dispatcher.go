// Package command implements the command dispatcher (C6): a single-consumer
// queue that serialises every mutation against the registry and dispatcher
// engine, so C2/C4 never see concurrent writers. Reads (List/Get) bypass the
// queue entirely and take the registry's own read lock, since they only ever
// observe a consistent snapshot.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bpfmand/bpfmand/internal/audit"
	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/metrics"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
)

// op is the kind of mutation a request carries.
type op int

const (
	opLoad op = iota
	opUnload
)

// request is one queued mutation. correlationID is assigned by Load/Unload
// before the request is enqueued and threaded through every log line and
// error it produces.
type request struct {
	kind op
	decl registry.Declaration
	// programBytes/mapPinPath are the caller-supplied bytecode and map pin
	// path for an opLoad request. The RPC handler passes resolved bytes
	// only for single-attach types and never a map pin path; multi-attach
	// programs resolve their bytecode inside the dispatcher engine, on the
	// queue's goroutine.
	programBytes []byte
	mapPinPath   string

	unloadID uint32

	correlationID string
	reply         chan result
}

type result struct {
	program *model.Program
	err     error
}

// Queue is the command dispatcher's single-consumer mutation queue.
type Queue struct {
	registry *registry.Registry
	engine   *dispatcher.Engine
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger

	requests chan *request
	done     chan struct{}
}

// SetMetrics wires m into the queue's per-mutation instrumentation.
func (q *Queue) SetMetrics(m *metrics.Metrics) {
	q.metrics = m
}

// SetAuditLog wires a tamper-evident audit trail into the queue: every
// Load/Unload outcome is appended as one hash-chained entry, independent of
// (and in addition to) the structured slog lines already emitted.
func (q *Queue) SetAuditLog(l *audit.Logger) {
	q.audit = l
}

// auditEvent is the JSON payload shape appended to the audit log.
type auditEvent struct {
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id"`
	ProgramID     uint32 `json:"program_id,omitempty"`
	ProgramName   string `json:"program_name,omitempty"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
}

func (q *Queue) recordAudit(ev auditEvent) {
	if q.audit == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		q.logger.Error("command: marshal audit event failed", slog.Any("error", err))
		return
	}
	if _, err := q.audit.Append(payload); err != nil {
		q.logger.Error("command: append audit entry failed", slog.Any("error", err))
	}
}

// New constructs a Queue and starts its consumer goroutine. Callers must
// call Close to stop it.
func New(reg *registry.Registry, engine *dispatcher.Engine, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		registry: reg,
		engine:   engine,
		logger:   logger,
		requests: make(chan *request, 64),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Close stops the consumer goroutine once the current request (if any)
// finishes, and waits for any queued requests already accepted to drain.
func (q *Queue) Close() {
	close(q.requests)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for req := range q.requests {
		q.process(req)
	}
}

func (q *Queue) process(req *request) {
	switch req.kind {
	case opLoad:
		p, err := q.registry.Create(req.decl, req.programBytes, req.mapPinPath)
		if err != nil {
			q.logger.Error("command: create program failed", slog.String("correlation_id", req.correlationID), slog.Any("error", err))
			q.observe("load", false)
			q.recordAudit(auditEvent{Kind: "load", CorrelationID: req.correlationID, ProgramName: req.decl.Name, Outcome: "failure", Error: err.Error()})
			req.reply <- result{err: err}
			return
		}
		if p.Type.IsMultiAttach() {
			if err := q.engine.Add(p); err != nil {
				q.logger.Error("command: dispatcher add failed", slog.String("correlation_id", req.correlationID), slog.Int("program_id", int(p.ID)), slog.Any("error", err))
				// The Program entity is already persisted as Declared; it is
				// not rolled back here. Build-phase failures are recovered
				// locally, not by deleting the declaration: the caller sees
				// the error and may retry or explicitly delete.
				q.observe("load", false)
				q.recordAudit(auditEvent{Kind: "load", CorrelationID: req.correlationID, ProgramID: p.ID, ProgramName: p.Name, Outcome: "failure", Error: err.Error()})
				req.reply <- result{err: err}
				return
			}
		} else {
			p.State = model.StateLoaded
			if err := q.registry.Persist(p); err != nil {
				q.logger.Error("command: persist loaded program failed", slog.String("correlation_id", req.correlationID), slog.Any("error", err))
			}
		}
		q.logger.Info("command: program loaded", slog.String("correlation_id", req.correlationID), slog.Int("program_id", int(p.ID)), slog.String("name", p.Name))
		q.observe("load", true)
		q.recordAudit(auditEvent{Kind: "load", CorrelationID: req.correlationID, ProgramID: p.ID, ProgramName: p.Name, Outcome: "success"})
		q.updateLoadedGauge()
		req.reply <- result{program: p}

	case opUnload:
		p, err := q.registry.Get(req.unloadID)
		if err != nil {
			q.observe("unload", false)
			q.recordAudit(auditEvent{Kind: "unload", CorrelationID: req.correlationID, ProgramID: req.unloadID, Outcome: "failure", Error: err.Error()})
			req.reply <- result{err: err}
			return
		}
		if p.Type.IsMultiAttach() {
			key := dispatcherKeyOf(p)
			if err := q.engine.Remove(key, p.ID); err != nil {
				q.logger.Error("command: dispatcher remove failed", slog.String("correlation_id", req.correlationID), slog.Int("program_id", int(p.ID)), slog.Any("error", err))
				q.observe("unload", false)
				q.recordAudit(auditEvent{Kind: "unload", CorrelationID: req.correlationID, ProgramID: p.ID, ProgramName: p.Name, Outcome: "failure", Error: err.Error()})
				req.reply <- result{err: err}
				return
			}
		}
		if err := q.registry.Delete(p.ID); err != nil {
			q.logger.Error("command: delete program failed", slog.String("correlation_id", req.correlationID), slog.Any("error", err))
			q.observe("unload", false)
			q.recordAudit(auditEvent{Kind: "unload", CorrelationID: req.correlationID, ProgramID: p.ID, ProgramName: p.Name, Outcome: "failure", Error: err.Error()})
			req.reply <- result{err: err}
			return
		}
		q.logger.Info("command: program unloaded", slog.String("correlation_id", req.correlationID), slog.Int("program_id", int(p.ID)))
		q.observe("unload", true)
		q.recordAudit(auditEvent{Kind: "unload", CorrelationID: req.correlationID, ProgramID: p.ID, ProgramName: p.Name, Outcome: "success"})
		q.updateLoadedGauge()
		req.reply <- result{}
	}
}

func (q *Queue) observe(kind string, ok bool) {
	if q.metrics != nil {
		q.metrics.ObserveCommand(kind, ok)
	}
}

func (q *Queue) updateLoadedGauge() {
	if q.metrics != nil {
		q.metrics.ProgramsLoaded.Set(float64(len(q.registry.List(registry.Filter{}))))
	}
}

func dispatcherKeyOf(p *model.Program) model.DispatcherKey {
	switch {
	case p.Xdp != nil:
		return model.DispatcherKey{IfIndex: p.Xdp.IfIndex, Type: model.ProgramTypeXDP}
	case p.Tc != nil:
		return model.DispatcherKey{IfIndex: p.Tc.IfIndex, Type: model.ProgramTypeTC, Direction: p.Tc.Direction}
	default:
		return model.DispatcherKey{}
	}
}

// Load enqueues a Load mutation and blocks for its result. programBytes and
// mapPinPath must already reflect C3/C5's work on decl's location.
func (q *Queue) Load(ctx context.Context, decl registry.Declaration, programBytes []byte, mapPinPath string) (*model.Program, string, error) {
	req := &request{
		kind:          opLoad,
		decl:          decl,
		programBytes:  programBytes,
		mapPinPath:    mapPinPath,
		correlationID: uuid.NewString(),
		reply:         make(chan result, 1),
	}
	select {
	case q.requests <- req:
	case <-ctx.Done():
		return nil, req.correlationID, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.program, req.correlationID, res.err
	case <-ctx.Done():
		return nil, req.correlationID, ctx.Err()
	}
}

// Unload enqueues an Unload mutation and blocks for its result.
func (q *Queue) Unload(ctx context.Context, id uint32) (string, error) {
	req := &request{
		kind:          opUnload,
		unloadID:      id,
		correlationID: uuid.NewString(),
		reply:         make(chan result, 1),
	}
	select {
	case q.requests <- req:
	case <-ctx.Done():
		return req.correlationID, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return req.correlationID, res.err
	case <-ctx.Done():
		return req.correlationID, ctx.Err()
	}
}

// List and Get bypass the queue: they read the registry's own
// concurrency-safe snapshot directly.
func (q *Queue) List(filter registry.Filter) []*model.Program {
	return q.registry.List(filter)
}

func (q *Queue) Get(id uint32) (*model.Program, error) {
	p, err := q.registry.Get(id)
	if err != nil {
		return nil, fmt.Errorf("command: get program %d: %w", id, err)
	}
	return p, nil
}
