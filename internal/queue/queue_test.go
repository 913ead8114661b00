package queue

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreAddAndGetNext(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "queue-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewStore(filepath.Join(tmpDir, "queue.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	task, err := store.Add(TaskTypeLFSGC, 42, map[string]string{"path": "model.bin"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected non-zero task ID")
	}
	if task.Status != TaskStatusPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}
	if task.Params["path"] != "model.bin" {
		t.Errorf("expected path param to round-trip, got %q", task.Params["path"])
	}

	next, err := store.GetNext()
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if next == nil || next.ID != task.ID {
		t.Fatalf("expected to get back task %d, got %+v", task.ID, next)
	}

	if err := store.UpdateStatus(task.ID, TaskStatusCompleted, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if again, err := store.GetNext(); err != nil || again != nil {
		t.Fatalf("expected no more pending tasks, got %+v (err %v)", again, err)
	}
}

func TestStoreSubscribeNotifies(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "queue-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewStore(filepath.Join(tmpDir, "queue.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	sub := store.Subscribe()
	defer store.Unsubscribe(sub)

	if _, err := store.Add(TaskTypeQuotaRecompute, 7, nil); err != nil {
		t.Fatalf("add task: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Kind != "created" || ev.Task.RepoID != 7 {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a created event to be delivered")
	}
}
