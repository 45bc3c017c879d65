package uow

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
)

// callLog records the calls made on fake resources, e.g. "begin;run;commit;close;".
type callLog struct {
	mu sync.Mutex
	sb strings.Builder
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sb.WriteString(call)
	l.sb.WriteString(";")
}

func (l *callLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sb.String()
}

type fakeResource struct {
	name        string
	log         *callLog
	commitErr   error
	rollbackErr error
	closeErr    error

	commits   int
	rollbacks int
	closes    int
}

func (f *fakeResource) call(op string) {
	if f.log == nil {
		return
	}
	if f.name != "" {
		op = f.name + "." + op
	}
	f.log.add(op)
}

func (f *fakeResource) Commit() error {
	f.commits++
	f.call("commit")
	return f.commitErr
}

func (f *fakeResource) Rollback() error {
	f.rollbacks++
	f.call("rollback")
	return f.rollbackErr
}

func (f *fakeResource) Close() error {
	f.closes++
	f.call("close")
	return f.closeErr
}

func (f *fakeResource) CreationDetails() string { return "fake " + f.name }

// recordingFactory returns a ResourceFactory creating fakeResources that write to log.
func recordingFactory(log *callLog) ResourceFactory {
	return func() Resource {
		log.add("begin")
		return &fakeResource{log: log}
	}
}

type fakeDataSource struct {
	name      string
	log       *callLog
	connErr   error
	beginErr  error
	isolation *sql.IsolationLevel

	mu    sync.Mutex
	conns []*fakeConnection
}

func (f *fakeDataSource) Conn(_ context.Context) (Connection, error) {
	if f.connErr != nil {
		return nil, f.connErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConnection{ds: f, beginErr: f.beginErr}
	f.conns = append(f.conns, c)
	f.log.add(f.name + ".open")
	return c, nil
}

func (f *fakeDataSource) opened() []*fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConnection(nil), f.conns...)
}

type isolatedDataSource struct {
	*fakeDataSource
	level sql.IsolationLevel
}

func (d *isolatedDataSource) IsolationLevel() sql.IsolationLevel { return d.level }

type fakeConnection struct {
	ds       *fakeDataSource
	beginErr error
	closeErr error

	opts   []*sql.TxOptions
	txs    []*fakeTx
	closed int
}

func (f *fakeConnection) BeginTx(_ context.Context, opts *sql.TxOptions) (Tx, error) {
	f.opts = append(f.opts, opts)
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	tx := &fakeTx{conn: f}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakeConnection) Close() error {
	f.closed++
	f.ds.log.add(f.ds.name + ".close")
	return f.closeErr
}

type fakeTx struct {
	conn        *fakeConnection
	commitErr   error
	rollbackErr error

	execs      []string
	committed  int
	rolledBack int
}

func (f *fakeTx) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	f.conn.ds.log.add(f.conn.ds.name + ".exec")
	return nil, nil
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed++
	f.conn.ds.log.add(f.conn.ds.name + ".commit")
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack++
	f.conn.ds.log.add(f.conn.ds.name + ".rollback")
	return f.rollbackErr
}
