package normalize

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const marketSchemaURL = "market_event.json"

// marketSchema describes TICKER and TRADE messages. Numbers may arrive as JSON
// numbers or numeric strings; the instrument may be called product or symbol.
const marketSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "seq"],
  "anyOf": [
    {"required": ["instrument"]},
    {"required": ["product"]},
    {"required": ["symbol"]}
  ],
  "properties": {
    "type": {"type": "string", "pattern": "(?i)^(ticker|trade)$"},
    "instrument": {"$ref": "#/$defs/id"},
    "product": {"$ref": "#/$defs/id"},
    "symbol": {"$ref": "#/$defs/id"},
    "seq": {
      "oneOf": [
        {"type": "integer", "minimum": 1},
        {"type": "string", "pattern": "^[1-9][0-9]*$"}
      ]
    },
    "ts": {"type": ["integer", "string"]},
    "price": {"$ref": "#/$defs/num"},
    "size": {"$ref": "#/$defs/num"},
    "side": {"type": "string"},
    "bestBid": {"$ref": "#/$defs/num"},
    "bestAsk": {"$ref": "#/$defs/num"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"pattern": "(?i)^trade$"}}},
      "then": {"required": ["price"]}
    },
    {
      "if": {"properties": {"type": {"pattern": "(?i)^ticker$"}}},
      "then": {"required": ["bestBid", "bestAsk"]}
    }
  ],
  "$defs": {
    "id": {"type": "string", "minLength": 1},
    "num": {
      "oneOf": [
        {"type": "number"},
        {"type": "string", "pattern": "^\\s*-?[0-9]+(\\.[0-9]+)?([eE][-+]?[0-9]+)?\\s*$"}
      ]
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(marketSchemaURL, strings.NewReader(marketSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(marketSchemaURL)
}
