package docmodel

import (
	"fmt"

	"github.com/finopsly/invoice-pipeline/internal/common"
)

// Version tags the backend response shape that produced an ExtractionResult.
type Version string

const (
	V21 Version = "v2.1"
	V31 Version = "v3.1"
)

// Structure names the response keys that differ between backend versions for
// the document-level field container. Callers never branch on Version
// directly; this lookup is the single place the difference exists.
type Structure struct {
	ContainerKey string // field container: "documentResults" | "documents"
	ContentKey   string // field content: "text" | "content"
	ValueKey     string // typed currency value: "valueNumber" | "valueCurrency"
}

// PageStructure names the response keys that differ between backend versions
// for the page/line container.
type PageStructure struct {
	ContainerKey string // page container: "readResults" | "pages"
	ContentKey   string // line content: "text" | "content"
	GeometryKey  string // line geometry: "boundingBox" | "polygon"
}

// StructureFor returns the field-container structure for a version tag.
func StructureFor(v Version) (Structure, error) {
	switch v {
	case V21:
		return Structure{ContainerKey: "documentResults", ContentKey: "text", ValueKey: "valueNumber"}, nil
	case V31:
		return Structure{ContainerKey: "documents", ContentKey: "content", ValueKey: "valueCurrency"}, nil
	default:
		return Structure{}, fmt.Errorf("%w: %q", common.ErrUnsupportedVersion, v)
	}
}

// PageStructureFor returns the page-container structure for a version tag.
func PageStructureFor(v Version) (PageStructure, error) {
	switch v {
	case V21:
		return PageStructure{ContainerKey: "readResults", ContentKey: "text", GeometryKey: "boundingBox"}, nil
	case V31:
		return PageStructure{ContainerKey: "pages", ContentKey: "content", GeometryKey: "polygon"}, nil
	default:
		return PageStructure{}, fmt.Errorf("%w: %q", common.ErrUnsupportedVersion, v)
	}
}
