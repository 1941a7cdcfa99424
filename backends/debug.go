package backends

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Debug wraps any Backend and logs every call at debug level.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  logrus.FieldLogger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger logrus.FieldLogger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger.WithField("component", "remote"),
	}
}

func (d *Debug) Put(ctx context.Context, category, id string, payload []byte) error {
	log := d.logger.WithFields(logrus.Fields{
		"action":   "remote_put",
		"category": category,
		"id":       id,
		"size":     len(payload),
	})
	log.Debug("put")

	if err := d.backend.Put(ctx, category, id, payload); err != nil {
		log.WithField("error", err).Debug("put failed")
		return err
	}

	log.Debug("put stored")
	return nil
}

func (d *Debug) Get(ctx context.Context, category, id string) ([]byte, bool, error) {
	log := d.logger.WithFields(logrus.Fields{
		"action":   "remote_get",
		"category": category,
		"id":       id,
	})
	log.Debug("get")

	payload, miss, err := d.backend.Get(ctx, category, id)

	if err != nil {
		log.WithField("error", err).Debug("get failed")
		return payload, miss, err
	}

	if miss {
		log.Debug("get miss")
	} else {
		log.WithField("size", len(payload)).Debug("get hit")
	}

	return payload, miss, nil
}

func (d *Debug) Delete(ctx context.Context, category, id string) error {
	log := d.logger.WithFields(logrus.Fields{
		"action":   "remote_delete",
		"category": category,
		"id":       id,
	})
	log.Debug("delete")

	err := d.backend.Delete(ctx, category, id)

	if err != nil {
		log.WithField("error", err).Debug("delete failed")
	}

	return err
}

func (d *Debug) Close() error {
	d.logger.WithField("action", "remote_close").Debug("closing backend")

	err := d.backend.Close()

	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"action": "remote_close",
			"error":  err,
		}).Debug("close failed")
	}

	return err
}
