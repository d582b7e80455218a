package scheduler

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// cronLogger routes robfig/cron's own messages into logrus.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	// cron logs every wake and schedule at info; keep those out of the main stream.
	l.log.WithFields(kvFields(keysAndValues)).Debug("[scheduler] cron " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error("[scheduler] cron " + msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
