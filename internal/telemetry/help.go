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
	"net/http"
)

const (
	helpEndpoint = "/help"
	helpPage     = `<!DOCTYPE html>
<head>
	<title>Districter Coordinator Help</title>
</head>
<body>
<pre>
* <a href="/directives">/directives</a> - Work-weight directives polled by clients
* <a href="/results">/results</a> - Current tournament results (JSON)
* <a href="/artifacts/">/artifacts/</a> - Published maps, reports and solutions
* <a href="/healthz">/healthz</a> - Health probe (add "?" for readiness)
* <a href="/configz">/configz</a> - Server configuration
* <a href="/metrics">/metrics</a> - Raw metrics, use prometheus or grafana instead.
</pre>
</body>
`
)

func newHelp() func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, helpPage)
	}
}

func bindHelp(p Params, b Bindings) error {
	if !p.Config().GetBool("telemetry.debugPages.enable") {
		return nil
	}
	b.TelemetryHandleFunc(helpEndpoint, newHelp())
	return nil
}
