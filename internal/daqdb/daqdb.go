// Package daqdb records labdaq activity to a ClickHouse database: every
// register write and every stream run, so an experiment's command history
// can be replayed offline.
package daqdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "labdaq" // official SQL name of the database

// RegisterWriteMessage describes one register write to be logged.
type RegisterWriteMessage struct {
	Time     time.Time
	Register string
	Value    float64
	OpID     string // ULID for async operations, empty for synchronous
}

// StreamRunMessage describes one completed stream-out run to be logged.
type StreamRunMessage struct {
	RunID    string
	Channel  string
	ScanRate float64
	Start    time.Time
	End      time.Time
	Samples  int
}

// Connection owns one ClickHouse connection and the channels feeding it.
// A nil or unconnected Connection accepts records and drops them.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	writemsg chan RegisterWriteMessage
	runmsg   chan StreamRunMessage
	sync.WaitGroup
}

// IsConnected reports whether records will actually reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable with the
// environment's credentials.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection connects and launches the goroutine that drains records
// until the abort channel closes.
func StartConnection(abort <-chan struct{}) *Connection {
	db := createConnection()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("LABDAQ_DB_USER"),
		Password: os.Getenv("LABDAQ_DB_PASSWORD"),
	}
	opt := clickhouse.Options{
		Addr: []string{"localhost:9000"},
		Auth: auth,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.conn = conn
	db.writemsg = make(chan RegisterWriteMessage)
	db.runmsg = make(chan StreamRunMessage)
	db.Add(1)
	return db
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case wmsg := <-db.writemsg:
			db.handleWriteMessage(wmsg)
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		}
	}
}

// Disconnect closes the database connection.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.conn.Close()
		db.conn = nil
	}
}

// RecordWrite logs one register write. It never blocks the caller.
func (db *Connection) RecordWrite(msg RegisterWriteMessage) {
	if !db.IsConnected() {
		return
	}
	go func() { db.writemsg <- msg }()
}

// RecordRun logs one completed stream run. It never blocks the caller.
func (db *Connection) RecordRun(msg StreamRunMessage) {
	if !db.IsConnected() {
		return
	}
	go func() { db.runmsg <- msg }()
}

func (db *Connection) handleWriteMessage(m RegisterWriteMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedTime := m.Time.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO registerwrites VALUES (?, ?, ?, ?)`, nowait,
		formattedTime, m.Register, m.Value, m.OpID,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into registerwrites ", err)
		db.err = err
	}
}

func (db *Connection) handleRunMessage(m StreamRunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO streamruns VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Channel, m.ScanRate, formattedStart, formattedEnd, m.Samples,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into streamruns ", err)
		db.err = err
	}
}
