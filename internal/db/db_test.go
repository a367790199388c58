package db

import "testing"

func TestOpen_SQLite(t *testing.T) {
	gdb, err := Open("sqlite:file:dbtest?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var one int
	if err := gdb.Raw("SELECT 1").Scan(&one).Error; err != nil || one != 1 {
		t.Fatalf("query: one=%d err=%v", one, err)
	}
}

func TestOpen_EmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
