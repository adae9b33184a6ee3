package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"meshboot/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryOutput turns the spans of a run into terminal progress: a live
// checklist on a terminal, one line per status change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput(out io.Writer) *TelemetryOutput {
	var (
		report  func(stepSnapshot)
		closeFn = func() {}
	)
	if IsInteractive() {
		checklist := NewChecklist(out)
		report, closeFn = checklist.OnSnapshot, checklist.Close
	} else {
		report = newLineTelemetry(out).OnSnapshot
	}
	processor := &stepSpanProcessor{observer: newStepObserver(report)}
	return &TelemetryOutput{
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(processor)),
		closeFn:  closeFn,
	}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	if o == nil || o.provider == nil {
		return otel.Tracer(name)
	}
	return o.provider.Tracer(name)
}

// Close flushes the provider and stops any animation. Safe to call twice.
func (o *TelemetryOutput) Close() {
	if o == nil {
		return
	}
	if o.provider != nil {
		_ = o.provider.Shutdown(context.Background())
	}
	if o.closeFn != nil {
		o.closeFn()
	}
}

type lineTelemetry struct {
	out  io.Writer
	mu   sync.Mutex
	last map[string]stepState
}

func newLineTelemetry(out io.Writer) *lineTelemetry {
	return &lineTelemetry{out: out, last: make(map[string]stepState)}
}

func (l *lineTelemetry) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		prev, seen := l.last[step.ID]
		if seen && prev.Status == step.Status && prev.Message == step.Message {
			continue
		}
		l.last[step.ID] = step
		fmt.Fprintln(l.out, formatStepLine(step))
	}
}

func formatStepLine(step stepState) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepDegraded:
		prefix = "[!!]"
	case stepFailed:
		prefix = "[x]"
	}

	title := step.Title
	if title == "" {
		title = step.ID
	}
	line := stepIndent(step) + prefix + " " + title
	if step.Message != "" {
		line += " (" + step.Message + ")"
	}
	return line
}

// stepObserver keeps the ordered step list. Step ids containing "/" are
// children of the id before the last slash.
type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	reporter func(stepSnapshot)
}

func newStepObserver(reporter func(stepSnapshot)) *stepObserver {
	return &stepObserver{
		steps:    make(map[string]stepState),
		reporter: reporter,
	}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		id := strings.TrimSpace(planned.ID)
		if id == "" {
			continue
		}
		step, exists := o.steps[id]
		if !exists {
			o.order = append(o.order, id)
			step = stepState{ID: id, Status: stepPending}
		}
		step.ParentID = strings.TrimSpace(planned.ParentID)
		step.Title = strings.TrimSpace(planned.Title)
		if step.Title == "" {
			step.Title = id
		}
		step.synthetic = false
		o.steps[id] = step
	}
	o.emitLocked()
}

func (o *stepObserver) onStepStart(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(id)
	step.Status = stepRunning
	step.Message = ""
	step.synthetic = false
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(id string, status stepStatus, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(id)
	step.synthetic = false
	step.Status = status
	step.Message = strings.TrimSpace(message)
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) ensureStepLocked(id string) stepState {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "unnamed"
	}
	if step, exists := o.steps[id]; exists {
		return step
	}

	parentID := ""
	if idx := strings.LastIndex(id, "/"); idx > 0 {
		parentID = id[:idx]
		o.ensureParentLocked(parentID)
	}
	o.order = append(o.order, id)

	title := id
	if parentID != "" {
		title = id[len(parentID)+1:]
	}
	return stepState{ID: id, ParentID: parentID, Title: title, Status: stepPending}
}

func (o *stepObserver) ensureParentLocked(id string) {
	if _, exists := o.steps[id]; exists {
		return
	}
	grandparent := ""
	if idx := strings.LastIndex(id, "/"); idx > 0 {
		grandparent = id[:idx]
		o.ensureParentLocked(grandparent)
	}
	o.order = append(o.order, id)
	o.steps[id] = stepState{ID: id, ParentID: grandparent, Title: id, Status: stepPending, synthetic: true}
}

// emitLocked reports the steps with every child listed right after its
// parent, in first-seen order.
func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}

	children := make(map[string][]string)
	var roots []string
	for _, id := range o.order {
		if parent := o.steps[id].ParentID; parent != "" {
			children[parent] = append(children[parent], id)
			continue
		}
		roots = append(roots, id)
	}

	steps := make([]stepState, 0, len(o.order))
	var walk func(id string)
	walk = func(id string) {
		step, ok := o.steps[id]
		if !ok {
			return
		}
		kids := make([]stepState, 0, len(children[id]))
		for _, kid := range children[id] {
			if s, ok := o.steps[kid]; ok {
				kids = append(kids, s)
			}
		}
		if len(kids) > 0 {
			if step.synthetic {
				step.Status = deriveParentStatus(kids)
			}
			if summary := summarizeChildren(kids); summary != "" {
				switch {
				case step.Message == "":
					step.Message = summary
				case step.Status == stepDegraded || step.Status == stepFailed:
					step.Message = summary + "; " + step.Message
				}
			}
		}
		steps = append(steps, step)
		for _, kid := range children[id] {
			walk(kid)
		}
	}
	for _, id := range roots {
		walk(id)
	}
	o.reporter(stepSnapshot{Steps: steps})
}

func summarizeChildren(children []stepState) string {
	var done, degraded, failed int
	for _, child := range children {
		switch child.Status {
		case stepDone:
			done++
		case stepDegraded:
			degraded++
		case stepFailed:
			failed++
		}
	}
	total := len(children)
	switch {
	case failed > 0:
		return fmt.Sprintf("%d/%d ok, %d failed", done, total, failed)
	case degraded > 0:
		return fmt.Sprintf("%d/%d ok, %d degraded", done, total, degraded)
	case done == 0:
		return ""
	default:
		return fmt.Sprintf("%d/%d ok", done, total)
	}
}

func deriveParentStatus(children []stepState) stepStatus {
	var finished, degraded int
	running := false
	for _, child := range children {
		switch child.Status {
		case stepFailed:
			return stepFailed
		case stepDegraded:
			degraded++
		case stepRunning:
			running = true
		}
		if child.Status.finished() {
			finished++
		}
	}
	switch {
	case finished == len(children) && degraded > 0:
		return stepDegraded
	case finished == len(children):
		return stepDone
	case running || finished > 0:
		return stepRunning
	default:
		return stepPending
	}
}

// stepSpanProcessor feeds the observer: the root span carries the plan,
// every child span is a step.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}

	planJSON := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if planJSON == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}

	attrs := span.Attributes()
	if status := span.Status(); status.Code == codes.Error {
		p.observer.onStepEnd(span.Name(), stepFailed, status.Description)
		return
	}
	if reason := attributeValue(attrs, telemetry.DegradedKey); reason != "" {
		p.observer.onStepEnd(span.Name(), stepDegraded, reason)
		return
	}
	p.observer.onStepEnd(span.Name(), stepDone, attributeValue(attrs, telemetry.DetailKey))
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return strings.TrimSpace(attr.Value.AsString())
		}
	}
	return ""
}
