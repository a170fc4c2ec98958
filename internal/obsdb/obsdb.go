// Package obsdb records extraction sessions and their per-step statistics
// to a ClickHouse database. Recording is strictly best-effort: a missing
// or unreachable database degrades to a no-op connection so the extractor
// itself never stalls on telemetry.
package obsdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "lofarudp" // official SQL name of the database

// SessionMessage describes one extraction session.
type SessionMessage struct {
	ID             string // ULID, assigned by StartSession
	Hostname       string
	Version        string
	StationID      int
	ReaderType     string
	ProcessingMode int
	NumPorts       int
	Start          time.Time
	End            time.Time
}

// StepMessage describes one completed reader step.
type StepMessage struct {
	SessionID           string
	Iteration           int64
	Result              string
	LastPacket          int64
	PacketsRead         int64
	PacketsPerIteration int
	DroppedPackets      int64
	IOSeconds           float64
	ComputeSeconds      float64
}

// Connection is a handle on the recording goroutine.
type Connection struct {
	conn    clickhouse.Conn
	err     error
	session *SessionMessage
	stepmsg chan *StepMessage
	sync.WaitGroup
}

// IsConnected reports whether the database is usable.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.err == nil
}

// DummyConnection returns a no-op handle for sessions without a database.
// Wait returns immediately on it.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("LOFARUDP_DB_USER"),
		Password: os.Getenv("LOFARUDP_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "lofarudp", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.stepmsg = make(chan *StepMessage)
	db.Add(1)
	return db
}

// StartSession connects, assigns the session its ULID, writes the session
// row and starts the recording goroutine. A failed connection returns a
// usable no-op handle.
func StartSession(addr string, session *SessionMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	session.ID = ulid.Make().String()
	session.Start = time.Now()
	db.session = session
	db.logSession()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

func (db *Connection) logSession() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	s := db.session
	formattedStart := s.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := s.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		s.ID, s.Hostname, s.Version, s.StationID, s.ReaderType,
		s.ProcessingMode, s.NumPorts, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case msg := <-db.stepmsg:
			db.handleStepMessage(msg)
		}
	}
}

// Disconnect closes the session row with its end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.session.End = time.Now()
		db.logSession()
	}
}

// RecordStep queues one step row; it never blocks the caller.
func (db *Connection) RecordStep(msg *StepMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.SessionID = db.session.ID
	go func() { db.stepmsg <- msg }()
}

func (db *Connection) handleStepMessage(m *StepMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = true
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO steps VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Iteration, m.Result, m.LastPacket, m.PacketsRead,
		m.PacketsPerIteration, m.DroppedPackets, m.IOSeconds, m.ComputeSeconds,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into steps ", err)
		db.err = err
	}
}
