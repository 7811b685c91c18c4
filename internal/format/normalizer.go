package format

// Capabilities describes what a wire format's Normalizer supports.
type Capabilities struct {
	SupportsStream    bool
	SupportsTools     bool
	SupportsThinking  bool
}

// Normalizer translates one wire format to/from the Internal
// representation, per spec.md §4.1. Every method is Internal-mediated:
// there is no direct family-to-family translation path.
type Normalizer interface {
	Name() string
	Capabilities() Capabilities

	RequestToInternal(body map[string]any) (*Internal, error)
	RequestFromInternal(in *Internal, targetVariant string) (map[string]any, error)
	ResponseFromInternal(in *Internal) (map[string]any, error)

	// StreamChunkToInternal parses one upstream wire chunk into zero or
	// more InternalEvents, updating state in place.
	StreamChunkToInternal(chunk []byte, state *StreamState) ([]InternalEvent, error)

	// StreamChunkFromInternal renders InternalEvents as zero or more
	// wire-format SSE lines (already including the "data: " framing),
	// updating state in place. It MUST be tolerant of partial events.
	StreamChunkFromInternal(events []InternalEvent, state *StreamState) ([][]byte, error)
}

// Registry holds one Normalizer per wire format name and the
// passthrough/convertible compatibility table between endpoint
// signatures (spec.md §4.1 "Passthrough compatibility").
type Registry struct {
	normalizers map[string]Normalizer
	dataFormats map[string]string // endpoint signature -> data_format_id
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		normalizers: make(map[string]Normalizer),
		dataFormats: make(map[string]string),
	}
}

// Register adds a Normalizer under its own Name().
func (r *Registry) Register(n Normalizer) {
	r.normalizers[n.Name()] = n
}

// Normalizer looks up a registered Normalizer by wire format name.
func (r *Registry) Normalizer(name string) (Normalizer, bool) {
	n, ok := r.normalizers[name]
	return n, ok
}

// SetDataFormat associates an endpoint signature with a data_format_id;
// two signatures sharing a data_format_id may be forwarded without
// translation (spec.md §4.1 "Passthrough compatibility").
func (r *Registry) SetDataFormat(signature, dataFormatID string) {
	r.dataFormats[signature] = dataFormatID
}

// Compatibility classifies a (clientSig, endpointSig) pair given
// whether format conversion is permitted for this request.
func (r *Registry) Compatibility(clientSig, endpointSig string, conversionAllowed bool) Compatibility {
	if clientSig == endpointSig {
		return CompatExact
	}
	cf, cok := r.dataFormats[clientSig]
	ef, eok := r.dataFormats[endpointSig]
	if cok && eok && cf == ef {
		return CompatPassthrough
	}
	if !conversionAllowed {
		return CompatIncompatible
	}
	_, hasClient := r.normalizers[familyOf(clientSig)]
	_, hasEndpoint := r.normalizers[familyOf(endpointSig)]
	if hasClient && hasEndpoint {
		return CompatConvertible
	}
	return CompatIncompatible
}

// Convert translates a request body from one wire format to another,
// always through the Internal representation.
func (r *Registry) Convert(srcFormat, dstFormat string, body map[string]any, targetVariant string) (map[string]any, error) {
	src, ok := r.normalizers[srcFormat]
	if !ok {
		return nil, &FormatConversionError{Format: srcFormat, Reason: "no normalizer registered"}
	}
	dst, ok := r.normalizers[dstFormat]
	if !ok {
		return nil, &FormatConversionError{Format: dstFormat, Reason: "no normalizer registered"}
	}
	in, err := src.RequestToInternal(body)
	if err != nil {
		return nil, err
	}
	return dst.RequestFromInternal(in, targetVariant)
}

func familyOf(signature string) string {
	for i, c := range signature {
		if c == ':' {
			return signature[:i]
		}
	}
	return signature
}
