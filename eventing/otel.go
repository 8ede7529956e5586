package eventing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("github.com/configmesh/tablesync/eventing")

var propagator = propagation.TraceContext{}
