package ctxkeys

// TraceIDKey 上下文中的追踪 ID（扫描 ID）
type TraceIDKey struct{}
