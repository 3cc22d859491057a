package invoice

import (
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/minio"

	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)

// Documents wires object storage for invoice PDFs in the worker binary.
var Documents = fx.Module("invoice.documents",
	fx.Provide(func(s minio.ObjectStore) DocumentStore { return s }),
)
