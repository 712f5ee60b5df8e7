package handlers

import "github.com/xeipuuv/gojsonschema"

var DownloadRequestSchemaDefinition = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"url": {
			"type": "string",
			"pattern": "^https?://"
		},
		"output_name": {
			"type": "string",
			"minLength": 1
		},
		"callback_url": {
			"type": "string",
			"pattern": "^https?://"
		},
		"cookie": {
			"type": "string"
		}
	},
	"required": ["url"]
}`

var inputSchemas map[string]string = map[string]string{
	"Download": DownloadRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// raise panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
