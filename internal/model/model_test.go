package model

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/samcharles93/tokenloop/internal/backend"
	_ "github.com/samcharles93/tokenloop/internal/backend/cpu"
	"github.com/samcharles93/tokenloop/internal/errs"
	"github.com/samcharles93/tokenloop/internal/modelfile"
	"github.com/samcharles93/tokenloop/internal/tokenizer"
)

func TestMain(m *testing.M) {
	backend.Init(backend.InitOptions{})
	code := m.Run()
	backend.Shutdown()
	os.Exit(code)
}

func tinyModel() modelfile.Model {
	yes := true
	return modelfile.Model{
		Name:   "tiny",
		Hidden: 4,
		Seed:   1,
		Vocab: tokenizer.ByteLevelConfig{
			Specials: []tokenizer.SpecialToken{
				{Text: "<s>", Role: tokenizer.RoleBOS},
				{Text: "</s>", Role: tokenizer.RoleEOS},
			},
			Pieces: []string{"hello"},
			AddBOS: &yes,
		},
	}
}

func writeTiny(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.json")
	if err := modelfile.Write(path, tinyModel()); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenExposesVocabulary(t *testing.T) {
	t.Parallel()
	m, err := Open(writeTiny(t), DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if m.BOS() != 0 || m.EOS() != 1 || m.EOT() != -1 || m.Prefix() != -1 {
		t.Fatalf("special tokens bos=%d eos=%d eot=%d prefix=%d", m.BOS(), m.EOS(), m.EOT(), m.Prefix())
	}
	if m.NL() < 0 {
		t.Fatal("byte-level vocabulary should define a newline token")
	}
	if m.VocabSize() != 2+256+1 || m.EmbeddingSize() != 4 {
		t.Fatalf("vocab=%d embd=%d", m.VocabSize(), m.EmbeddingSize())
	}
	if req, known := m.RequiresBOS(); !req || !known {
		t.Fatalf("RequiresBOS = %v, %v", req, known)
	}
	if _, known := m.RequiresEOS(); known {
		t.Fatal("RequiresEOS should be unknown")
	}

	ids := m.Tokenize("hello!", true, false)
	if len(ids) != 3 || ids[0] != m.BOS() {
		t.Fatalf("Tokenize = %v", ids)
	}
	if got := m.DetokenizeAll(ids[1:]); got != "hello!" {
		t.Fatalf("DetokenizeAll = %q", got)
	}
	if m.BackendName() != backend.CPU {
		t.Fatalf("backend %q", m.BackendName())
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	if _, err := Open("  ", DefaultOptions()); !errors.Is(err, errs.ErrLoad) {
		t.Fatalf("blank path: %v", err)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.json"), DefaultOptions()); !errors.Is(err, errs.ErrLoad) {
		t.Fatalf("missing file: %v", err)
	}
	opts := DefaultOptions()
	opts.Backend = "tpu"
	if _, err := Open(writeTiny(t), opts); !errors.Is(err, errs.ErrLoad) {
		t.Fatalf("unknown backend: %v", err)
	}

	bad := tinyModel()
	bad.Vocab.Specials = append(bad.Vocab.Specials, tokenizer.SpecialToken{Text: "<s>", Role: tokenizer.RoleEOT})
	if _, err := New(bad, DefaultOptions()); !errors.Is(err, errs.ErrLoad) {
		t.Fatalf("duplicate special: %v", err)
	}
}

func TestOptionsBuilders(t *testing.T) {
	t.Parallel()
	o := DefaultOptions().WithGPULayers(12).WithMlock(true).WithMmap(false)
	if o.GPULayers != 12 || !o.UseMlock || o.UseMmap {
		t.Fatalf("options %+v", o)
	}
	m, err := Open(writeTiny(t), o)
	if err != nil {
		t.Fatalf("Open with gpu layers on cpu: %v", err)
	}
	_ = m.Close()
}

func TestCloseWaitsForSessions(t *testing.T) {
	t.Parallel()
	m, err := New(tinyModel(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	_, _, release1, err := m.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	_, _, release2, _ := m.Acquire()
	if m.Sessions() != 2 {
		t.Fatalf("sessions = %d", m.Sessions())
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.Closed() || m.Released() {
		t.Fatal("close with open sessions should defer release")
	}
	if _, _, _, err := m.Acquire(); !errors.Is(err, ErrClosed) || !errors.Is(err, errs.ErrInvalidHandle) {
		t.Fatalf("Acquire after Close: %v", err)
	}

	release1()
	release1()
	if m.Released() || m.Sessions() != 1 {
		t.Fatalf("released early: sessions=%d", m.Sessions())
	}
	release2()
	if !m.Released() || m.Sessions() != 0 {
		t.Fatal("last session did not release the model")
	}
	if m.VocabSize() != 259 {
		t.Fatal("shape queries should survive release")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// Run with -race: shape queries must not race with a release on another
// goroutine.
func TestShapeQueriesDuringRelease(t *testing.T) {
	t.Parallel()
	m, err := New(tinyModel(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	_, _, release, err := m.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			if m.VocabSize() != 259 || m.EmbeddingSize() != 4 {
				t.Errorf("shape changed: vocab=%d embd=%d", m.VocabSize(), m.EmbeddingSize())
				return
			}
		}
	}()
	release()
	wg.Wait()
	if !m.Released() {
		t.Fatal("model not released")
	}
}
