package backend

import (
	"context"
	"time"

	"github.com/wolfeidau/tlstrust/hpkp"
	"github.com/wolfeidau/tlstrust/hsts"
	"github.com/wolfeidau/tlstrust/telemetry"
)

// sized is implemented by stores that can report how many policies they hold.
type sized interface {
	Len() int
}

// InstrumentedHSTS wraps an hsts.DB with metrics recording.
type InstrumentedHSTS struct {
	db   hsts.DB
	name string
}

// NewInstrumentedHSTS creates a new instrumented HSTS wrapper.
func NewInstrumentedHSTS(db hsts.DB, name string) *InstrumentedHSTS {
	return &InstrumentedHSTS{db: db, name: name}
}

func (ih *InstrumentedHSTS) Load(ctx context.Context) error {
	start := time.Now()
	err := ih.db.Load(ctx)
	telemetry.RecordStoreOp(ctx, "hsts", ih.name, "load", outcomeFromError(err), time.Since(start))
	recordEntries(ctx, "hsts", ih.db)
	return err
}

func (ih *InstrumentedHSTS) Save(ctx context.Context) error {
	start := time.Now()
	err := ih.db.Save(ctx)
	telemetry.RecordStoreOp(ctx, "hsts", ih.name, "save", outcomeFromError(err), time.Since(start))
	return err
}

func (ih *InstrumentedHSTS) Close() error {
	return ih.db.Close()
}

func (ih *InstrumentedHSTS) Add(host string, port uint16, maxAge int64, includeSubdomains bool) {
	ih.db.Add(host, port, maxAge, includeSubdomains)
	recordEntries(context.Background(), "hsts", ih.db)
}

func (ih *InstrumentedHSTS) HostMatch(host string, port uint16) bool {
	matched := ih.db.HostMatch(host, port)
	telemetry.RecordHSTSLookup(context.Background(), ih.name, matched)
	return matched
}

// Unwrap returns the underlying store.
func (ih *InstrumentedHSTS) Unwrap() hsts.DB {
	return ih.db
}

// InstrumentedHPKP wraps an hpkp.DB with metrics recording.
type InstrumentedHPKP struct {
	db   hpkp.DB
	name string
}

// NewInstrumentedHPKP creates a new instrumented HPKP wrapper.
func NewInstrumentedHPKP(db hpkp.DB, name string) *InstrumentedHPKP {
	return &InstrumentedHPKP{db: db, name: name}
}

func (ih *InstrumentedHPKP) Load(ctx context.Context) error {
	start := time.Now()
	err := ih.db.Load(ctx)
	telemetry.RecordStoreOp(ctx, "hpkp", ih.name, "load", outcomeFromError(err), time.Since(start))
	recordEntries(ctx, "hpkp", ih.db)
	return err
}

func (ih *InstrumentedHPKP) Save(ctx context.Context) error {
	start := time.Now()
	err := ih.db.Save(ctx)
	telemetry.RecordStoreOp(ctx, "hpkp", ih.name, "save", outcomeFromError(err), time.Since(start))
	return err
}

func (ih *InstrumentedHPKP) Close() error {
	return ih.db.Close()
}

func (ih *InstrumentedHPKP) Add(e *hpkp.Entry) {
	ih.db.Add(e)
	recordEntries(context.Background(), "hpkp", ih.db)
}

func (ih *InstrumentedHPKP) CheckPubkey(host string, pubkey []byte) hpkp.Result {
	result := ih.db.CheckPubkey(host, pubkey)
	telemetry.RecordHPKPCheck(context.Background(), ih.name, result.String())
	return result
}

// Unwrap returns the underlying store.
func (ih *InstrumentedHPKP) Unwrap() hpkp.DB {
	return ih.db
}

func recordEntries(ctx context.Context, store string, db any) {
	if s, ok := db.(sized); ok {
		telemetry.UpdateStoreEntries(ctx, store, s.Len())
	}
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// Compile-time interface checks
var (
	_ hsts.DB = (*InstrumentedHSTS)(nil)
	_ hpkp.DB = (*InstrumentedHPKP)(nil)
)
