// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"districter.dev/coordinator/internal/config"
)

const (
	configEndpoint = "/configz"
	configPage     = `<!DOCTYPE html>
<head>
	<title>Districter Coordinator Configuration</title>
</head>
<body>
<table>
<tr><th>Key</th><th>Value</th></tr>
{{ range $key, $value := . }}
<tr><td>{{ $value.Key }}</td><td>{{ $value.Value }}</td></tr>
{{ end }}
</table>
</body>
`
)

var configPageTemplate = template.Must(template.New("configz").Parse(configPage))

// allSettings is implemented by config views that can enumerate themselves.
type allSettings interface {
	AllSettings() map[string]interface{}
}

type configz struct {
	cfg config.View
}

type configZValue struct {
	Key   string
	Value interface{}
}

// ServeHTTP serves the /configz endpoint that allows a user to view the configuration of the server.
func (cz *configz) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	cfg, ok := cz.cfg.(allSettings)
	if !ok {
		http.Error(w, "Configuration view cannot enumerate its settings", http.StatusInternalServerError)
		return
	}
	values := []configZValue{}
	for k, v := range cfg.AllSettings() {
		values = append(values, configZValue{Key: k, Value: v})
	}
	sort.Slice(values, func(lhs int, rhs int) bool {
		return strings.Compare(values[lhs].Key, values[rhs].Key) != 1
	})
	err := configPageTemplate.Execute(w, values)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot render HTML template, %s", err), http.StatusInternalServerError)
	}
}

func bindConfigz(p Params, b Bindings) error {
	if !p.Config().GetBool("telemetry.debugPages.enable") {
		return nil
	}
	b.TelemetryHandle(configEndpoint, &configz{cfg: p.Config()})
	return nil
}
