package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"strings" // 字符串处理

	"github.com/jackc/pgx/v5"        // pgx 接口
	"github.com/jackc/pgx/v5/pgconn" // 连接命令结果
)

type DBTX interface { // 数据库连接抽象，*pgxpool.Pool 与 pgx.Tx 均满足
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults          // 批量发送
}

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id  BIGINT PRIMARY KEY,
	train_id     TEXT NOT NULL,
	incident_type TEXT NOT NULL,
	description  TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS incidents_train_idx ON incidents (train_id, occurred_at DESC);
CREATE TABLE IF NOT EXISTS audit_logs (
	audit_id    BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	actor       TEXT,
	action      TEXT NOT NULL,
	request_id  TEXT,
	method      TEXT,
	path        TEXT,
	status_code INT NOT NULL,
	duration_ms BIGINT NOT NULL,
	client_ip   TEXT,
	user_agent  TEXT,
	details     JSONB
);
`

// EnsureSchema creates the archive tables when they are missing.
func EnsureSchema(ctx context.Context, db DBTX) error { // 建表（幂等）
	_, err := db.Exec(ctx, schema)
	return err
}

func nullIfEmpty(v string) any { // 空串写入 NULL
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
