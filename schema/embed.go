package schema

import _ "embed"

// ConfigV1Schema contains the JSON schema for warden configuration files.
//
//go:embed warden.v1.json
var ConfigV1Schema []byte
