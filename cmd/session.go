package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/agentic-research/dupe/internal/assoc"
	"github.com/agentic-research/dupe/internal/bulk"
	"github.com/agentic-research/dupe/internal/events"
	"github.com/agentic-research/dupe/internal/model"
	"github.com/agentic-research/dupe/internal/store/sqlite"
)

func (a *app) loadModel() (*model.Model, error) {
	m, _, err := a.currentModel()
	return m, err
}

// currentModel reads the model file and returns it with its registry. The
// first read starts the hot swap, later reads swap the file in, refusing
// another tenant or an older revision.
func (a *app) currentModel() (*model.Model, *model.Registry, error) {
	if a.models == nil {
		m, err := model.Load(a.cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		if a.models, err = model.NewHotSwap(m); err != nil {
			return nil, nil, err
		}
	} else if err := a.models.Reload(a.cfg.Model); err != nil {
		return nil, nil, err
	}
	m, reg := a.models.Current()
	a.logger.Debug("model loaded",
		zap.String("tenant", m.Tenant()),
		zap.Int64("rev", m.Rev()),
		zap.Int("entities", len(m.Entities())),
		zap.Int("relations", len(m.Relations())))
	return m, reg, nil
}

// optionalModel loads the model if its file exists.
func (a *app) optionalModel() (*model.Model, error) {
	m, err := a.loadModel()
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Debug("no model, inferring from names only", zap.String("model", a.cfg.Model))
		return nil, nil
	}
	return m, err
}

// session is an engine bound to the configured model and database.
type session struct {
	model  *model.Model
	db     *sqlite.Store
	engine *bulk.Engine
}

func (s *session) Close() error { return s.db.Close() }

// table maps an entity urn onto the table the engine writes.
func (s *session) table(urn string) (string, error) {
	e, ok := s.model.FindEntityByURN(urn)
	if !ok {
		return "", fmt.Errorf("entity %s not found in model", urn)
	}
	return model.TableName(e), nil
}

// openSession builds a bulk engine writing to the database. Associations
// come from the model, or from the database tables when introspect is set.
func (a *app) openSession(ctx context.Context, introspect bool) (*session, error) {
	m, reg, err := a.currentModel()
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}

	var schema *bulk.Schema
	if introspect {
		var associations []assoc.Association
		associations, err = assoc.InferAll(db.Catalog().Tables(), m, assoc.ModelJoinPredicate(m), a.logger)
		if err == nil {
			schema, err = bulk.NewSchema(db.Catalog(), associations, m)
		}
	} else {
		schema, err = bulk.SchemaFromModel(m)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reporter := &events.LogReporter{
		Tenant:  a.cfg.Tenant,
		Topic:   a.cfg.Events.Topic,
		Logger:  a.logger,
		Metrics: a.metrics,
	}
	engine := bulk.New(db, schema,
		bulk.WithReporter(reporter),
		bulk.WithRegistry(reg),
		bulk.WithLogger(a.logger),
		bulk.WithMetrics(a.metrics))
	return &session{model: m, db: db, engine: engine}, nil
}
