package catalog

import (
	"github.com/invopop/jsonschema"
)

// SeedSchema 生成 ParseSeed 所接受的 YAML 种子文件的 JSON Schema
func SeedSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		ExpandedStruct:             true,
	}
	schema := r.Reflect(&seedFile{})
	schema.Title = "Model catalog seed"
	schema.Description = "Background removal models provisioned into the catalog, upserted by id"
	return schema
}
