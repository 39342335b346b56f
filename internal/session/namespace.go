package session

import "github.com/erauner12/rowsync/internal/syncx"

// Staging namespaces. The client keeps downloads (and their error parts)
// under the scope name; the server keeps one inbound and one outbound
// namespace per client.

func clientDownloadNS(scopeName string) string { return scopeName }

func clientUploadNS(scopeName string) string { return scopeName + "@upload" }

func serverInboundNS(scopeName, clientID string) string { return scopeName + "@" + clientID }

func serverOutboundNS(scopeName, clientID string) string {
	return scopeName + "@" + clientID + "/out"
}

// directionTables returns the scope's tables that flow in one direction,
// parents first
func directionTables(def syncx.ScopeDefinition, keep func(syncx.Direction) bool) ([]syncx.TableSpec, error) {
	ordered, err := def.Ordered()
	if err != nil {
		return nil, err
	}
	out := ordered[:0]
	for _, t := range ordered {
		if keep(t.Direction) {
			out = append(out, t)
		}
	}
	return out, nil
}

func tableNames(tables []syncx.TableSpec) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}
