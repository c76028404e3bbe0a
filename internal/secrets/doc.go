// Package secrets resolves the credentials a sandbox may receive and
// attaches them to its launch environment.
//
// Values come from the orchestrator's own environment and, optionally, an
// age-encrypted bundle of KEY=VALUE lines that is decrypted in memory at
// startup. Only allow-listed keys are ever returned. Secrets reach a
// sandbox through its environment and nothing else: no secret value is
// written to any file. Prompts too large for the environment are staged to
// a file only when they contain no secret value.
package secrets
