package reactor

//Logger structured logger, keyvals are alternating keys and values.
//The loop always sets "level" (debug, info, warn, error) and "msg".
type Logger interface {
	Log(keyvals ...interface{}) error
}

type nopLogger struct {
}

func (n *nopLogger) Log(keyvals ...interface{}) error {
	return nil
}

// leveled prefixes every record with its level and message. Logging errors are dropped.
type leveled struct {
	Logger
}

func (l leveled) log(level, msg string, keyvals []interface{}) {
	_ = l.Log(append([]interface{}{"level", level, "msg", msg}, keyvals...)...)
}

func (l leveled) debug(msg string, keyvals ...interface{}) {
	l.log("debug", msg, keyvals)
}

func (l leveled) info(msg string, keyvals ...interface{}) {
	l.log("info", msg, keyvals)
}

func (l leveled) warn(msg string, keyvals ...interface{}) {
	l.log("warn", msg, keyvals)
}

func (l leveled) error(msg string, keyvals ...interface{}) {
	l.log("error", msg, keyvals)
}
