package daqdb

import (
	"testing"
	"time"
)

func TestUnconnectedIsSafe(t *testing.T) {
	var db *Connection
	if db.IsConnected() {
		t.Error("nil *Connection claims to be connected")
	}
	db.RecordWrite(RegisterWriteMessage{Time: time.Now(), Register: "DAC0", Value: 1.5})
	db.RecordRun(StreamRunMessage{RunID: "run", Channel: "DAC0"})
	db.Disconnect()

	db = &Connection{}
	if db.IsConnected() {
		t.Error("empty Connection claims to be connected")
	}
	db.RecordWrite(RegisterWriteMessage{Register: "DAC1"})
	db.RecordRun(StreamRunMessage{})
}

func TestServerConnection(t *testing.T) {
	db := createConnection()
	if !db.IsConnected() {
		t.Skip("no ClickHouse server available; skipping")
	}
	abort := make(chan struct{})
	go db.handleConnection(abort)
	db.RecordWrite(RegisterWriteMessage{Time: time.Now(), Register: "TEST", Value: 0})
	close(abort)
	db.Wait()
}
