package router

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestFSFolderAdapterListCreateRename(t *testing.T) {
	root := t.TempDir()
	var a FSFolderAdapter

	sub := filepath.Join(root, "notes")
	if err := a.Create(sub); err != nil {
		t.Fatalf("Create: %v", err)
	}
	os.WriteFile(filepath.Join(sub, "a.txt"), []byte("x"), 0o644)

	names, err := a.List(sub)
	if err != nil || len(names) != 1 || names[0] != "a.txt" {
		t.Fatalf("List = %v, %v", names, err)
	}

	renamed := filepath.Join(root, "renamed")
	if err := a.Rename(sub, renamed); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(renamed); err != nil {
		t.Fatalf("expected renamed dir to exist: %v", err)
	}
}

func TestFileBlobAdapterReassemblesChunks(t *testing.T) {
	dir := t.TempDir()
	a := NewFileBlobAdapter(dir)

	if err := a.Start("blob1", "upload.bin"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Chunk("blob1", base64.StdEncoding.EncodeToString([]byte("hello "))); err != nil {
		t.Fatalf("Chunk 1: %v", err)
	}
	if err := a.Chunk("blob1", base64.StdEncoding.EncodeToString([]byte("world"))); err != nil {
		t.Fatalf("Chunk 2: %v", err)
	}
	path, err := a.End("blob1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("assembled data = %q, want %q", data, "hello world")
	}
}

func TestFileBlobAdapterChunkWithoutStartFails(t *testing.T) {
	a := NewFileBlobAdapter(t.TempDir())
	if err := a.Chunk("missing", "aGk="); err == nil {
		t.Fatal("expected an error chunking an unstarted blob")
	}
}

func TestFileBlobAdapterEndIsOneShot(t *testing.T) {
	a := NewFileBlobAdapter(t.TempDir())
	a.Start("blob1", "f.bin")
	if _, err := a.End("blob1"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := a.End("blob1"); err == nil {
		t.Fatal("expected a second End for the same blobId to fail")
	}
}

func TestMarkdownTaskAdapterListGetUpdate(t *testing.T) {
	dir := t.TempDir()
	content := "# Tasks\n- [ ] write tests\n- [x] read spec\n- [ ] ship it\n"
	os.WriteFile(filepath.Join(dir, tasksFileName), []byte(content), 0o644)

	var a MarkdownTaskAdapter
	tasks, err := a.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != "open" || tasks[1].Status != "done" {
		t.Fatalf("unexpected statuses: %+v", tasks)
	}

	got, err := a.Get(dir, "1")
	if err != nil || got.Title != "write tests" {
		t.Fatalf("Get(1) = %+v, %v", got, err)
	}

	if err := a.UpdateStatus(dir, "1", "done"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	after, err := a.Get(dir, "1")
	if err != nil || after.Status != "done" {
		t.Fatalf("expected task 1 to be done after update, got %+v, %v", after, err)
	}
}

func TestMarkdownTaskAdapterListMissingFileReturnsEmpty(t *testing.T) {
	var a MarkdownTaskAdapter
	tasks, err := a.List(t.TempDir())
	if err != nil || tasks != nil {
		t.Fatalf("expected nil, nil for a missing TASKS.md, got %v, %v", tasks, err)
	}
}

func TestMarkdownTaskAdapterUpdateUnknownIDFails(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, tasksFileName), []byte("- [ ] only task\n"), 0o644)

	var a MarkdownTaskAdapter
	if err := a.UpdateStatus(dir, "9", "done"); err == nil {
		t.Fatal("expected updating an unknown task id to fail")
	}
}
