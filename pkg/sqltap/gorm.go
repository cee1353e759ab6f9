package sqltap

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/10printhello/trim-telemetry/pkg/intercept"
)

const startedKey = "trimtel:started_at"

// GormPlugin reports every statement GORM executes to an observer. The
// statement context (db.WithContext) carries the lane. Do not combine it with
// a wrapped driver on the same connection or statements are counted twice.
type GormPlugin struct {
	obs intercept.Observer
}

var _ gorm.Plugin = (*GormPlugin)(nil)

// NewGormPlugin creates a GormPlugin reporting to obs.
func NewGormPlugin(obs intercept.Observer) *GormPlugin {
	return &GormPlugin{obs: obs}
}

// Name implements gorm.Plugin.
func (p *GormPlugin) Name() string {
	return "trimtel:sqltap"
}

// Initialize implements gorm.Plugin.
func (p *GormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	return errors.Join(
		cb.Create().Before("gorm:create").Register("trimtel:before_create", p.before),
		cb.Create().After("gorm:create").Register("trimtel:after_create", p.after),
		cb.Query().Before("gorm:query").Register("trimtel:before_query", p.before),
		cb.Query().After("gorm:query").Register("trimtel:after_query", p.after),
		cb.Update().Before("gorm:update").Register("trimtel:before_update", p.before),
		cb.Update().After("gorm:update").Register("trimtel:after_update", p.after),
		cb.Delete().Before("gorm:delete").Register("trimtel:before_delete", p.before),
		cb.Delete().After("gorm:delete").Register("trimtel:after_delete", p.after),
		cb.Row().Before("gorm:row").Register("trimtel:before_row", p.before),
		cb.Row().After("gorm:row").Register("trimtel:after_row", p.after),
		cb.Raw().Before("gorm:raw").Register("trimtel:before_raw", p.before),
		cb.Raw().After("gorm:raw").Register("trimtel:after_raw", p.after),
	)
}

func (p *GormPlugin) before(db *gorm.DB) {
	db.InstanceSet(startedKey, time.Now())
}

func (p *GormPlugin) after(db *gorm.DB) {
	if db.Statement == nil || db.DryRun {
		return
	}

	sql := db.Statement.SQL.String()
	if sql == "" {
		return
	}

	end := time.Now()

	start := end
	if v, ok := db.InstanceGet(startedKey); ok {
		if t, ok := v.(time.Time); ok {
			start = t
		}
	}

	p.obs.ObserveQuery(db.Statement.Context, sql, start, end)
}
