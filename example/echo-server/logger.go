package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

//logrusLogger adapts key/value logging to logrus: "level" picks the logrus level,
//"msg" becomes the message and the other pairs become fields.
type logrusLogger struct {
	l *logrus.Logger
}

func newLogrusLogger(l *logrus.Logger) *logrusLogger {
	return &logrusLogger{l: l}
}

func (a *logrusLogger) Log(keyvals ...interface{}) error {
	level := logrus.InfoLevel
	msg := ""
	fields := make(logrus.Fields, len(keyvals)/2)

	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch key {
		case "level":
			if lvl, err := logrus.ParseLevel(fmt.Sprint(keyvals[i+1])); err == nil {
				level = lvl
			}
		case "msg":
			msg = fmt.Sprint(keyvals[i+1])
		default:
			fields[key] = keyvals[i+1]
		}
	}
	if len(keyvals)%2 == 1 {
		fields["missing_value"] = keyvals[len(keyvals)-1]
	}

	a.l.WithFields(fields).Log(level, msg)
	return nil
}
