package httpapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"

	"stormfell/gateway/internal/wire"
)

// wireSchemaDocument is the machine-readable description of both outbound
// envelope formats, generated once and cached. Client tooling and automated
// tests consume it to stay in sync with the wire contract.
type wireSchemaDocument struct {
	Envelope      *jsonschema.Schema `json:"envelope"`
	ErrorEnvelope *jsonschema.Schema `json:"error_envelope"`
}

var (
	schemaOnce sync.Once
	schemaDoc  []byte
	schemaErr  error
)

func buildWireSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	envelope := reflector.ReflectFromType(reflect.TypeOf(wire.Envelope{}))
	envelope.Version = ""
	envelope.Title = "Event Envelope"
	envelope.Description = "Standard wrapper around every outbound event on both transports."

	errEnvelope := reflector.ReflectFromType(reflect.TypeOf(wire.ErrorEnvelope{}))
	errEnvelope.Version = ""
	errEnvelope.Title = "Error Envelope"
	errEnvelope.Description = "Structured error reported to an offending connection."

	return json.MarshalIndent(wireSchemaDocument{
		Envelope:      envelope,
		ErrorEnvelope: errEnvelope,
	}, "", "  ")
}

// SchemaHandler serves the generated wire schema.
func (h *HandlerSet) SchemaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schemaOnce.Do(func() {
			schemaDoc, schemaErr = buildWireSchema()
		})
		if schemaErr != nil {
			http.Error(w, "schema generation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(schemaDoc)
	}
}
