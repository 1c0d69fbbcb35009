package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type rec struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func TestSetGetRoundTrip(t *testing.T) {
	c := NewCollection[rec](t.TempDir(), nil)

	c.Set("a", rec{Name: "alpha", Count: 1})
	got, err := c.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "alpha" || got.Count != 1 {
		t.Errorf("got %+v, want {alpha 1}", got)
	}
}

func TestGetMissing(t *testing.T) {
	c := NewCollection[rec](t.TempDir(), nil)
	if _, err := c.Get("nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetIsNotPersistedUntilSave(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	c.Set("a", rec{Name: "alpha"})
	if _, err := os.Stat(filepath.Join(dir, "a.yml")); !os.IsNotExist(err) {
		t.Fatal("record file exists before Save")
	}

	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.yml")); err != nil {
		t.Fatalf("record file missing after Save: %v", err)
	}
}

func TestGetRefreshesOnNewerMtime(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	c.Set("a", rec{Name: "old"})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := c.Get("a"); got.Name != "old" {
		t.Fatalf("got %q, want old", got.Name)
	}

	// Simulate a peer process rewriting the record.
	path := filepath.Join(dir, "a.yml")
	if err := os.WriteFile(path, []byte("name: new\ncount: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get("a")
	if err != nil {
		t.Fatalf("Get after rewrite: %v", err)
	}
	if got.Name != "new" || got.Count != 2 {
		t.Errorf("got %+v, want {new 2}", got)
	}
}

func TestGetKeepsCacheOnOlderMtime(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	c.Set("a", rec{Name: "cached"})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A rewrite with an mtime at or before the cached read time is not
	// picked up.
	path := filepath.Join(dir, "a.yml")
	if err := os.WriteFile(path, []byte("name: stale\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "cached" {
		t.Errorf("got %q, want cached", got.Name)
	}
}

func TestDeleteTombstone(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	c.Set("a", rec{Name: "alpha"})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c.Delete("a")

	// Immediate in-memory effect, file still present.
	if _, err := c.Get("a"); err != ErrNotFound {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
	if ids, _ := c.List(); len(ids) != 0 {
		t.Errorf("List after Delete = %v, want empty", ids)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.yml")); err != nil {
		t.Fatalf("file removed before Save: %v", err)
	}

	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.yml")); !os.IsNotExist(err) {
		t.Error("file still present after Save")
	}
}

func TestSaveIdempotent(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	c.Set("a", rec{Name: "alpha"})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info1, err := os.Stat(filepath.Join(dir, "a.yml"))
	if err != nil {
		t.Fatal(err)
	}

	// A save with nothing pending must not rewrite files.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "a.yml"), past, past); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	info2, err := os.Stat(filepath.Join(dir, "a.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !info2.ModTime().Equal(past) {
		t.Errorf("mtime changed by no-op Save: %v vs %v", info1.ModTime(), info2.ModTime())
	}
}

func TestListScansDisk(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	// Files written by a peer are visible without any Set.
	for _, id := range []string{"b", "a", "c"} {
		if err := os.WriteFile(filepath.Join(dir, id+".yml"), []byte("name: x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List = %v, want %v", ids, want)
		}
	}
}

func TestListExcludesUnsavedSet(t *testing.T) {
	c := NewCollection[rec](t.TempDir(), nil)
	c.Set("a", rec{Name: "alpha"})
	if ids, _ := c.List(); len(ids) != 0 {
		t.Errorf("List = %v, want empty before Save", ids)
	}
}

func TestGetAllIncludesUnsaved(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	if err := os.WriteFile(filepath.Join(dir, "disk.yml"), []byte("name: d\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.Set("mem", rec{Name: "m"})

	all, err := c.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("GetAll returned %d records, want 2", len(all))
	}
	if all["disk"].Name != "d" || all["mem"].Name != "m" {
		t.Errorf("GetAll = %+v", all)
	}
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	if err := os.WriteFile(filepath.Join(dir, "bad.yml"), []byte(":\n\t::not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("bad"); err != ErrNotFound {
		t.Errorf("Get corrupt record: err = %v, want ErrNotFound", err)
	}
}

func TestLoadAllPreservesDirty(t *testing.T) {
	dir := t.TempDir()
	c := NewCollection[rec](dir, nil)

	c.Set("a", rec{Name: "disk"})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c.Set("a", rec{Name: "pending"})
	c.Set("b", rec{Name: "unsaved"})

	if err := c.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got, _ := c.Get("a"); got.Name != "pending" {
		t.Errorf("dirty record lost by LoadAll: got %q", got.Name)
	}
	if got, _ := c.Get("b"); got.Name != "unsaved" {
		t.Errorf("unsaved record lost by LoadAll: got %q", got.Name)
	}
}

func TestSetAfterDeleteRevives(t *testing.T) {
	c := NewCollection[rec](t.TempDir(), nil)

	c.Set("a", rec{Name: "one"})
	c.Delete("a")
	c.Set("a", rec{Name: "two"})

	got, err := c.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "two" {
		t.Errorf("got %q, want two", got.Name)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := c.Get("a"); got.Name != "two" {
		t.Errorf("after Save got %q, want two", got.Name)
	}
}
