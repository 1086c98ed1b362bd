package models // 模型包

import ( // 依赖导入
	"time" // 时间类型
)

type Incident struct { // 事故归档模型
	IncidentID  int64     // 事故 ID（毫秒时间戳，严格递增）
	TrainID     string    // 列车 ID，系统事故为 SYSTEM
	Type        string    // 事故类型
	Description string    // 描述
	OccurredAt  time.Time // 发生时间
}

type AuditLog struct { // 审计日志模型
	OccurredAt time.Time // 发生时间
	Actor      string    // 操作用户
	Action     string    // 动作
	RequestID  string    // 请求 ID
	Method     string    // HTTP 方法
	Path       string    // 请求路径
	StatusCode int       // 状态码
	DurationMS int64     // 耗时毫秒
	ClientIP   string    // 客户端 IP
	UserAgent  string    // UA 信息
	Details    []byte    // 详情数据
}
