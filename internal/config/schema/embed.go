package schema

import _ "embed"

//go:embed apt-bootstrap-config.schema.json
var ConfigSchema []byte
