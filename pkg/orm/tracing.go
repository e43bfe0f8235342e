package orm

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tokmz/qichat/pkg/tracing"
)

// TracingPlugin 为每条语句创建 Client Span
type TracingPlugin struct {
	sqlTrace bool
}

// TracingOption 追踪插件选项
type TracingOption func(*TracingPlugin)

// WithSQLTrace 在 Span 中记录完整 SQL，语句可能包含用户数据
func WithSQLTrace(enable bool) TracingOption {
	return func(p *TracingPlugin) {
		p.sqlTrace = enable
	}
}

// NewTracingPlugin 创建追踪插件
func NewTracingPlugin(opts ...TracingOption) *TracingPlugin {
	p := &TracingPlugin{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 插件名称
func (p *TracingPlugin) Name() string {
	return "qichat:tracing"
}

// Initialize 在 create/query/update/delete/row/raw 前后挂载回调
func (p *TracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	return stderrors.Join(
		cb.Create().Before("gorm:create").Register("qichat:trace_create", p.start("create")),
		cb.Create().After("gorm:create").Register("qichat:trace_create_end", p.end),
		cb.Query().Before("gorm:query").Register("qichat:trace_query", p.start("query")),
		cb.Query().After("gorm:query").Register("qichat:trace_query_end", p.end),
		cb.Update().Before("gorm:update").Register("qichat:trace_update", p.start("update")),
		cb.Update().After("gorm:update").Register("qichat:trace_update_end", p.end),
		cb.Delete().Before("gorm:delete").Register("qichat:trace_delete", p.start("delete")),
		cb.Delete().After("gorm:delete").Register("qichat:trace_delete_end", p.end),
		cb.Row().Before("gorm:row").Register("qichat:trace_row", p.start("row")),
		cb.Row().After("gorm:row").Register("qichat:trace_row_end", p.end),
		cb.Raw().Before("gorm:raw").Register("qichat:trace_raw", p.start("raw")),
		cb.Raw().After("gorm:raw").Register("qichat:trace_raw_end", p.end),
	)
}

// start 开启 Span 并写回语句上下文
func (p *TracingPlugin) start(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		db.Statement.Context, _ = tracing.Tracer("orm").Start(ctx, "db."+operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", db.Dialector.Name()),
				attribute.String("db.operation", operation),
			),
		)
	}
}

// end 补充表名、行数与错误后结束 Span，记录不存在不算失败
func (p *TracingPlugin) end(db *gorm.DB) {
	span := trace.SpanFromContext(db.Statement.Context)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int64("db.rows_affected", db.Statement.RowsAffected)}
	if db.Statement.Table != "" {
		attrs = append(attrs, attribute.String("db.table", db.Statement.Table))
	}
	if p.sqlTrace {
		attrs = append(attrs, attribute.String("db.statement", db.Statement.SQL.String()))
	}
	span.SetAttributes(attrs...)

	err := db.Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}
	tracing.Finish(span, err)
}
