// Package testutil holds fixtures shared by datakit package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/roach88/datakit/internal/model"
	"github.com/roach88/datakit/internal/store"
)

// Model returns the fixture model used across tests:
//
//	Person (abstract, identifier personID)
//	├── Employee (salary float, default 0)
//	│   └── Manager (reports int, optional)
//	Car (plate string, identifier plate)
//	Salary (amount float)
func Model() *model.Model {
	return model.MustNew(
		model.Kind{
			Name:       "Person",
			Abstract:   true,
			Identifier: "personID",
			Attributes: []model.Attribute{
				{Name: "personID", Type: model.TypeInt},
				{Name: "name", Type: model.TypeString},
			},
		},
		model.Kind{
			Name:       "Employee",
			Parent:     "Person",
			Attributes: []model.Attribute{{Name: "salary", Type: model.TypeFloat, Default: 0.0}},
		},
		model.Kind{
			Name:       "Manager",
			Parent:     "Employee",
			Attributes: []model.Attribute{{Name: "reports", Type: model.TypeInt, Optional: true}},
		},
		model.Kind{
			Name:       "Car",
			Identifier: "plate",
			Attributes: []model.Attribute{
				{Name: "plate", Type: model.TypeString},
				{Name: "electric", Type: model.TypeBool, Optional: true},
			},
		},
		model.Kind{
			Name:       "Salary",
			Attributes: []model.Attribute{{Name: "amount", Type: model.TypeFloat}},
		},
	)
}

// Coordinator returns a coordinator over Model with one memory store attached.
func Coordinator(t *testing.T) *store.Coordinator {
	t.Helper()
	c := store.New(Model(), store.WithLogger(DiscardLogger()))
	if _, err := c.Attach(context.Background(), "memory:", store.AttachOptions{}); err != nil {
		t.Fatalf("attach memory store: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// FaultyCoordinator returns a coordinator whose only store is a FaultyBackend.
func FaultyCoordinator(t *testing.T) (*store.Coordinator, *FaultyBackend) {
	t.Helper()
	fb := NewFaultyBackend(store.NewMemoryBackend())
	c := store.New(Model(), store.WithLogger(DiscardLogger()))
	if _, err := c.AttachBackend(context.Background(), store.Location{Driver: store.DriverMemory, Target: "faulty"}, fb, store.AttachOptions{}); err != nil {
		t.Fatalf("attach faulty store: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, fb
}
