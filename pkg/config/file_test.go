package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "tetherd.json"))
	if err != nil {
		t.Fatal(err)
	}

	if got := f.MaxRetries(); got != 3 {
		t.Errorf("MaxRetries() = %d, want 3", got)
	}
	if !f.AutoConnect() {
		t.Error("AutoConnect() should default to true")
	}
	if f.AllowNonRootAccess() {
		t.Error("AllowNonRootAccess() should default to false")
	}
	if got := f.SyncSchedule(); got != "" {
		t.Errorf("SyncSchedule() = %q, want empty", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tetherd.json")

	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f.SetDeviceAddress("AA:BB:CC:DD:EE:FF")
	f.SetAdapter("hci1")
	f.SetMaxRetries(5)
	f.SetAllowNonRootAccess(true)
	f.SetAutoConnect(false)
	f.SetSyncSchedule("0 3 * * *")
	if err := f.Save(); err != nil {
		t.Fatal(err)
	}

	g, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.DeviceAddress(); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("DeviceAddress() = %q", got)
	}
	if got := g.Adapter(); got != "hci1" {
		t.Errorf("Adapter() = %q", got)
	}
	if got := g.MaxRetries(); got != 5 {
		t.Errorf("MaxRetries() = %d", got)
	}
	if !g.AllowNonRootAccess() {
		t.Error("AllowNonRootAccess() not persisted")
	}
	if g.AutoConnect() {
		t.Error("AutoConnect(false) not persisted")
	}
	if got := g.SyncSchedule(); got != "0 3 * * *" {
		t.Errorf("SyncSchedule() = %q", got)
	}
}

func TestLoadEmptyFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tetherd.json")
	if err := os.WriteFile(path, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.MaxRetries(); got != 3 {
		t.Errorf("MaxRetries() = %d, want default 3", got)
	}
}

func TestPartialFileKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tetherd.json")
	if err := os.WriteFile(path, []byte(`{"deviceAddress":"11:22:33:44:55:66"}`), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.DeviceAddress(); got != "11:22:33:44:55:66" {
		t.Errorf("DeviceAddress() = %q", got)
	}
	if got := f.MaxRetries(); got != 3 {
		t.Errorf("MaxRetries() = %d, want default 3", got)
	}
	if !f.AutoConnect() {
		t.Error("AutoConnect() should default to true")
	}
}
