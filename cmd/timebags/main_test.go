package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/config"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/ots"
)

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"без аргументов", nil, exitUsage},
		{"неизвестный флаг", []string{"-x"}, exitUsage},
		{"справка", []string{"-h"}, exitOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.want {
				t.Errorf("ожидался код %d, получен %d (stderr: %s)", tt.want, code, stderr.String())
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-version"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("ожидался код 0, получен %d", code)
	}
	if strings.TrimSpace(stdout.String()) != config.Version {
		t.Errorf("ожидалась версия %q, получено %q", config.Version, stdout.String())
	}
}

func TestRun_StatusOfPlainFile(t *testing.T) {
	t.Setenv("TB_CONF_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("не контейнер"), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-status", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("ожидался код 0, получен %d (stderr: %s)", code, stderr.String())
	}

	var st model.Status
	if err := json.Unmarshal(stdout.Bytes(), &st); err != nil {
		t.Fatalf("stdout не JSON: %v", err)
	}
	if st.Result != phase.Unknown || st.Path != path {
		t.Errorf("ожидался UNKNOWN для %s, получено %s для %s", path, st.Result, st.Path)
	}
	if _, err := os.Stat(path + ".zip"); !os.IsNotExist(err) {
		t.Error("-status не должен создавать контейнер")
	}
}

// pendingProof — доказательство над data с ожидающей аттестацией календаря.
func pendingProof(t *testing.T, data []byte) []byte {
	t.Helper()
	df, err := ots.NewDetachedFile(data)
	if err != nil {
		t.Fatal(err)
	}
	df.Timestamp.AddAttestation(ots.PendingAttestation("https://a.pool.opentimestamps.org"))
	proof, err := df.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return proof
}

// writePendingContainer пишет контейнер с токеном и обеими аттестациями.
func writePendingContainer(t *testing.T, path string) {
	t.Helper()
	data := []byte("pdf content")
	token := []byte("не настоящий токен")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, e := range []struct {
		name string
		body []byte
	}{
		{model.MimetypeEntry, []byte(model.Mimetype)},
		{"report.pdf", data},
		{model.TimestampEntry, token},
		{model.DataObjectAttestationEntry("report.pdf"), pendingProof(t, data)},
		{model.TimestampAttestationEntry, pendingProof(t, token)},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// -status над контейнером с аттестациями: PENDING, архив не переписан.
func TestRun_StatusOfPendingContainer(t *testing.T) {
	t.Setenv("TB_CONF_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "report.pdf.zip")
	writePendingContainer(t, path)

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-status", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("ожидался код 0, получен %d (stderr: %s)", code, stderr.String())
	}

	var st model.Status
	if err := json.Unmarshal(stdout.Bytes(), &st); err != nil {
		t.Fatalf("stdout не JSON: %v", err)
	}
	if st.Result != phase.Pending {
		t.Errorf("ожидалась фаза %s, получено %s", phase.Pending, st.Result)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("-status не должен переписывать архив")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(old) {
		t.Errorf("время изменения архива сменилось: %v", info.ModTime())
	}
}

func TestRun_NothingToPack(t *testing.T) {
	t.Setenv("TB_CONF_DIR", t.TempDir())
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{empty}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("ожидался код %d, получен %d (stderr: %s)", exitUsage, code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout должен быть пустым, получено %q", stdout.String())
	}
	if _, err := os.Stat(empty + ".zip"); !os.IsNotExist(err) {
		t.Error("контейнер не должен создаваться")
	}
}
