package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
)

type fakeTask struct {
	Base
	validateErr error
	run         func(ctx context.Context) (Outcome, error)
	calls       atomic.Int32
}

func newFake(name string, run func(ctx context.Context) (Outcome, error)) *fakeTask {
	return &fakeTask{Base: NewBase(name), run: run}
}

func (f *fakeTask) Validate() error { return f.validateErr }

func (f *fakeTask) Execute(ctx context.Context) (Outcome, error) {
	f.calls.Add(1)
	return f.run(ctx)
}

func succeed(ctx context.Context) (Outcome, error) {
	return DataOutcome{Payload: map[string]any{"ok": true}}, nil
}

func fail(ctx context.Context) (Outcome, error) {
	return nil, xerrors.New(xerrors.CodeInsufficientFunds, "balance too low")
}

func TestRunAttachesTransactionHash(t *testing.T) {
	hash := common.HexToHash("0xabc")
	task := newFake("transfer", func(context.Context) (Outcome, error) {
		return TransactionOutcome{Hash: hash, Payload: map[string]any{"to": "0x1"}}, nil
	})

	res := Run(context.Background(), task)
	if res.Status != StatusSuccess {
		t.Fatalf("unexpected status %s (%s)", res.Status, res.Error)
	}
	if res.TxHash != hash.Hex() {
		t.Fatalf("unexpected tx hash %s", res.TxHash)
	}
	if res.Data["to"] != "0x1" || res.TaskID != task.ID() || res.TaskName != "transfer" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunValidationFailureSkipsExecute(t *testing.T) {
	task := newFake("bad", succeed)
	task.validateErr = errors.New("amount must be positive")

	res := Run(context.Background(), task)
	if res.Status != StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if task.calls.Load() != 0 {
		t.Fatalf("execute must not run after validation failure")
	}
	if xerrors.Code(res.ErrorCode) != xerrors.CodeTaskConfiguration {
		t.Fatalf("unexpected error code %s", res.ErrorCode)
	}
	if !strings.Contains(res.Error, "amount must be positive") {
		t.Fatalf("error text should carry the cause: %s", res.Error)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	task := newFake("boom", func(context.Context) (Outcome, error) {
		panic("kaboom")
	})
	res := Run(context.Background(), task)
	if res.Status != StatusFailed || !strings.Contains(res.Error, "kaboom") {
		t.Fatalf("panic should become a failed result: %+v", res)
	}
	if res.TaskID != task.ID() {
		t.Fatalf("panic result should keep the task id")
	}
}

func TestRunKeepsErrorCodeAndPartialOutcome(t *testing.T) {
	hash := common.HexToHash("0xdead")
	task := newFake("revert", func(context.Context) (Outcome, error) {
		return TransactionOutcome{Hash: hash}, xerrors.New(xerrors.CodeTransactionReverted, "status 0")
	})
	res := Run(context.Background(), task)
	if res.Status != StatusFailed || res.TxHash != hash.Hex() {
		t.Fatalf("failed transaction should keep its hash: %+v", res)
	}
	if xerrors.Code(res.ErrorCode) != xerrors.CodeTransactionReverted {
		t.Fatalf("unexpected code %s", res.ErrorCode)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := newFake("late", succeed)
	res := Run(ctx, task)
	if res.Status != StatusFailed || task.calls.Load() != 0 {
		t.Fatalf("cancelled run should fail without executing: %+v", res)
	}
}

func TestSequentialStopsAtFirstFailure(t *testing.T) {
	first := newFake("first", fail)
	second := newFake("second", succeed)

	res := Run(context.Background(), Sequential("seq", first, second))
	if res.Status != StatusFailed {
		t.Fatalf("sequential with failing subtask should fail")
	}
	if second.calls.Load() != 0 {
		t.Fatalf("second subtask must not run")
	}
	subs := res.Data[SubtaskResultsKey].(map[string]*Result)
	if len(subs) != 1 || subs[first.ID()].Status != StatusFailed {
		t.Fatalf("unexpected subtask results: %+v", subs)
	}
}

func TestSequentialRunsInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) (Outcome, error) {
		return func(context.Context) (Outcome, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return DataOutcome{}, nil
		}
	}
	res := Run(context.Background(), Sequential("seq",
		newFake("a", record("a")), newFake("b", record("b")), newFake("c", record("c"))))
	if res.Status != StatusSuccess {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if strings.Join(order, ",") != "a,b,c" {
		t.Fatalf("unexpected order %v", order)
	}
	if len(res.Data[SubtaskResultsKey].(map[string]*Result)) != 3 {
		t.Fatalf("expected three subtask results")
	}
}

func TestParallelCollectsEveryResult(t *testing.T) {
	bad := newFake("bad", fail)
	good := newFake("good", succeed)

	res := Run(context.Background(), Parallel("par", bad, good))
	if res.Status != StatusFailed {
		t.Fatalf("parallel with a failing subtask should fail")
	}
	if !strings.Contains(res.Error, "1 of 2") {
		t.Fatalf("unexpected error %q", res.Error)
	}
	subs := res.Data[SubtaskResultsKey].(map[string]*Result)
	if len(subs) != 2 {
		t.Fatalf("expected two subtask results, got %d", len(subs))
	}
	if subs[bad.ID()].Status != StatusFailed || subs[good.ID()].Status != StatusSuccess {
		t.Fatalf("unexpected subtask statuses: %+v", subs)
	}
}

func TestParallelRespectsLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	work := func(context.Context) (Outcome, error) {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return DataOutcome{}, nil
	}
	subtasks := make([]Task, 6)
	for i := range subtasks {
		subtasks[i] = newFake("w", work)
	}
	res := Run(context.Background(), Parallel("par", subtasks...).WithLimit(2))
	if res.Status != StatusSuccess {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if peak.Load() > 2 {
		t.Fatalf("limit exceeded: %d concurrent subtasks", peak.Load())
	}
}

func TestParallelCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	subs := []*fakeTask{newFake("a", succeed), newFake("b", succeed)}
	par := Parallel("par", subs[0], subs[1])

	outcome, err := par.Execute(ctx)
	if err == nil {
		t.Fatalf("cancelled parallel should report failures")
	}
	results := outcome.(DataOutcome).Payload[SubtaskResultsKey].(map[string]*Result)
	if len(results) != 2 {
		t.Fatalf("expected a synthetic result per subtask, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusFailed || r.ExecutionTime != 0 {
			t.Fatalf("unexpected synthetic result %+v", r)
		}
	}
	for _, s := range subs {
		if s.calls.Load() != 0 {
			t.Fatalf("subtask %s should not have executed", s.Name())
		}
	}
}

func TestCompositeRequiresSubtasks(t *testing.T) {
	res := Run(context.Background(), Parallel("empty"))
	if xerrors.Code(res.ErrorCode) != xerrors.CodeTaskConfiguration {
		t.Fatalf("empty composite should be a configuration error, got %s", res.ErrorCode)
	}

	invalid := newFake("invalid", succeed)
	invalid.validateErr = errors.New("bad params")
	sibling := newFake("sibling", succeed)
	res = Run(context.Background(), Sequential("seq", sibling, invalid))
	if res.Status != StatusFailed || sibling.calls.Load() != 0 {
		t.Fatalf("invalid subtask should fail the composite before anything runs")
	}
}

func TestCompositeRejectsRepeatedSubtask(t *testing.T) {
	good := newFake("good", succeed)
	bad := newFake("bad", fail)

	for name, composite := range map[string]Task{
		"parallel":   Parallel("par", good, bad, good),
		"sequential": Sequential("seq", good, bad, good),
	} {
		res := Run(context.Background(), composite)
		if xerrors.Code(res.ErrorCode) != xerrors.CodeTaskConfiguration {
			t.Fatalf("%s: repeated subtask should be a configuration error, got %s (%s)", name, res.ErrorCode, res.Error)
		}
		if !strings.Contains(res.Error, "subtask 3 repeats subtask 1") {
			t.Fatalf("%s: unexpected error %q", name, res.Error)
		}
	}
	if good.calls.Load() != 0 || bad.calls.Load() != 0 {
		t.Fatalf("nothing should run when a subtask is repeated")
	}

	twin := newFake("good", succeed)
	res := Run(context.Background(), Parallel("par", good, bad, twin))
	subs := res.Data[SubtaskResultsKey].(map[string]*Result)
	if len(subs) != 3 || !strings.Contains(res.Error, "1 of 3") {
		t.Fatalf("distinct subtasks with equal names keep one result each: %d results, %q", len(subs), res.Error)
	}
}

// anonymousTask panics when asked for its id.
type anonymousTask struct {
	*fakeTask
}

func (anonymousTask) ID() string { panic("no id") }

func TestParallelPanicResultKeepsTaskName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sub := anonymousTask{newFake("exploding", succeed)}

	outcome, err := Parallel("par", sub).Execute(ctx)
	if err == nil {
		t.Fatalf("panicking subtask should fail the composite")
	}
	results := outcome.(DataOutcome).Payload[SubtaskResultsKey].(map[string]*Result)
	res, ok := results["subtask-0"]
	if !ok {
		t.Fatalf("expected synthetic result under fallback id, got %+v", results)
	}
	if res.TaskName != "exploding" || res.ErrorCode != string(xerrors.CodeExecutorFailure) {
		t.Fatalf("unexpected synthetic result %+v", res)
	}
}

func TestRunPanickingIDKeepsTaskName(t *testing.T) {
	res := Run(context.Background(), anonymousTask{newFake("exploding", succeed)})
	if res.Status != StatusFailed || res.TaskName != "exploding" {
		t.Fatalf("panic result should keep the task name: %+v", res)
	}
}

func TestResultJSONUsesSeconds(t *testing.T) {
	res := Result{TaskID: "id", TaskName: "n", Status: StatusSuccess, ExecutionTime: 1500 * time.Millisecond}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["execution_time"] != 1.5 || raw["status"] != "success" {
		t.Fatalf("unexpected encoding %s", data)
	}

	var decoded Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ExecutionTime != res.ExecutionTime {
		t.Fatalf("unexpected decoded duration %v", decoded.ExecutionTime)
	}
}

func TestParseSpecYAML(t *testing.T) {
	spec, err := ParseSpec([]byte(`
type: Parallel
limit: 2
subtasks:
  - type: native_transfer
    wallet: alice
    params:
      to: "0x000000000000000000000000000000000000dEaD"
      amount: "0.1"
  - type: balance
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Type != TypeParallel || spec.Limit != 2 || len(spec.Subtasks) != 2 {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if spec.Subtasks[0].Params["amount"] != "0.1" || spec.Subtasks[0].Wallet != "alice" {
		t.Fatalf("unexpected subtask %+v", spec.Subtasks[0])
	}

	if _, err := ParseSpec([]byte(`params: {}`)); err == nil {
		t.Fatalf("spec without type should be rejected")
	}
}
