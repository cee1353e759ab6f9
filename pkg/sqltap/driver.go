package sqltap

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/10printhello/trim-telemetry/pkg/intercept"
)

var errNamedArgs = errors.New("driver does not support named parameters")

// Wrap returns a driver that reports every statement executed through it to
// obs. The context passed to ExecContext / QueryContext carries the lane the
// statement is attributed to.
func Wrap(d driver.Driver, obs intercept.Observer) driver.Driver {
	return &tapDriver{inner: d, obs: obs}
}

// NewConnector returns a connector for sql.OpenDB that opens dsn with d and
// reports every statement to obs.
func NewConnector(d driver.Driver, dsn string, obs intercept.Observer) driver.Connector {
	td := &tapDriver{inner: d, obs: obs}

	if dc, ok := d.(driver.DriverContext); ok {
		if c, err := dc.OpenConnector(dsn); err == nil {
			return &connector{inner: c, driver: td}
		}
	}

	return &connector{driver: td, dsn: dsn}
}

type tapDriver struct {
	inner driver.Driver
	obs   intercept.Observer
}

var _ driver.Driver = (*tapDriver)(nil)

func (d *tapDriver) Open(name string) (driver.Conn, error) {
	c, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}

	return &conn{inner: c, obs: d.obs}, nil
}

type connector struct {
	inner  driver.Connector
	driver *tapDriver
	dsn    string
}

var _ driver.Connector = (*connector)(nil)

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	if c.inner == nil {
		return c.driver.Open(c.dsn)
	}

	inner, err := c.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}

	return &conn{inner: inner, obs: c.driver.obs}, nil
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

type conn struct {
	inner driver.Conn
	obs   intercept.Observer
}

var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		s   driver.Stmt
		err error
	)

	if pc, ok := c.inner.(driver.ConnPrepareContext); ok {
		s, err = pc.PrepareContext(ctx, query)
	} else {
		s, err = c.inner.Prepare(query)
	}

	if err != nil {
		return nil, err
	}

	return &stmt{inner: s, query: query, obs: c.obs}, nil
}

func (c *conn) Close() error {
	return c.inner.Close()
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.inner.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}

	return c.inner.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := c.inner.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}

	start := time.Now()
	res, err := ec.ExecContext(ctx, query, args)

	if !errors.Is(err, driver.ErrSkip) {
		c.obs.ObserveQuery(ctx, query, start, time.Now())
	}

	return res, err
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := c.inner.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}

	start := time.Now()
	rows, err := qc.QueryContext(ctx, query, args)

	if !errors.Is(err, driver.ErrSkip) {
		c.obs.ObserveQuery(ctx, query, start, time.Now())
	}

	return rows, err
}

func (c *conn) Ping(ctx context.Context) error {
	if p, ok := c.inner.(driver.Pinger); ok {
		return p.Ping(ctx)
	}

	return nil
}

func (c *conn) ResetSession(ctx context.Context) error {
	if r, ok := c.inner.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}

	return nil
}

func (c *conn) IsValid() bool {
	if v, ok := c.inner.(driver.Validator); ok {
		return v.IsValid()
	}

	return true
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if nc, ok := c.inner.(driver.NamedValueChecker); ok {
		return nc.CheckNamedValue(nv)
	}

	return driver.ErrSkip
}

type stmt struct {
	inner driver.Stmt
	query string
	obs   intercept.Observer
}

var (
	_ driver.Stmt              = (*stmt)(nil)
	_ driver.StmtExecContext   = (*stmt)(nil)
	_ driver.StmtQueryContext  = (*stmt)(nil)
	_ driver.NamedValueChecker = (*stmt)(nil)
)

func (s *stmt) Close() error {
	return s.inner.Close()
}

func (s *stmt) NumInput() int {
	return s.inner.NumInput()
}

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	defer func() { s.obs.ObserveQuery(ctx, s.query, start, time.Now()) }()

	if ec, ok := s.inner.(driver.StmtExecContext); ok {
		return ec.ExecContext(ctx, args)
	}

	values, err := plainValues(args)
	if err != nil {
		return nil, err
	}

	return s.inner.Exec(values) //nolint:staticcheck // fallback for drivers without ExecContext
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	defer func() { s.obs.ObserveQuery(ctx, s.query, start, time.Now()) }()

	if qc, ok := s.inner.(driver.StmtQueryContext); ok {
		return qc.QueryContext(ctx, args)
	}

	values, err := plainValues(args)
	if err != nil {
		return nil, err
	}

	return s.inner.Query(values) //nolint:staticcheck // fallback for drivers without QueryContext
}

func (s *stmt) CheckNamedValue(nv *driver.NamedValue) error {
	if nc, ok := s.inner.(driver.NamedValueChecker); ok {
		return nc.CheckNamedValue(nv)
	}

	return driver.ErrSkip
}

func namedValues(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}

	return out
}

func plainValues(args []driver.NamedValue) ([]driver.Value, error) {
	out := make([]driver.Value, len(args))

	for i, nv := range args {
		if nv.Name != "" {
			return nil, errNamedArgs
		}

		out[i] = nv.Value
	}

	return out, nil
}
