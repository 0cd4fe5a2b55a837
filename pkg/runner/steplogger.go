package runner

import (
	"context"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
)

// stepLogger logs step progress: every message goes to the run's buffered
// log, and info and warning messages also go through logrus.
type stepLogger struct {
	log  logrus.FieldLogger
	jobs interface {
		Log(ctx context.Context, id deployment.RunID, step deployment.Step, level deployment.LogLevel, messages ...string) error
	}
	id   deployment.RunID
	step deployment.Step
}

func (r *stepRunner) stepLogger(id deployment.RunID, step deployment.Step) *stepLogger {
	return &stepLogger{
		log: r.log.WithFields(logrus.Fields{
			"run":  id.String(),
			"step": step.String(),
		}),
		jobs: r.jobs,
		id:   id,
		step: step,
	}
}

func (l *stepLogger) append(level deployment.LogLevel, messages ...string) {
	if err := l.jobs.Log(context.Background(), l.id, l.step, level, messages...); err != nil {
		l.log.WithError(err).Debug("Failed to store step log entries")
	}
}

func (l *stepLogger) msg(messages ...string) {
	l.append(deployment.LevelDebug, messages...)
}

func (l *stepLogger) info(message string) {
	l.log.Info(message)
	l.append(deployment.LevelInfo, message)
}

func (l *stepLogger) warning(message string, err error) {
	if err != nil {
		l.log.WithError(err).Warn(message)
		l.append(deployment.LevelWarning, message+": "+err.Error())

		return
	}

	l.log.Warn(message)
	l.append(deployment.LevelWarning, message)
}
