package catalog

import (
	"context"
	"errors"
)

// Code identifies one humanized error entry.
type Code string

const (
	CodeSessionNotFound     Code = "session_not_found"
	CodeNotCollecting       Code = "not_collecting"
	CodeActiveSessionExists Code = "active_session_exists"
	CodeEmptySession        Code = "empty_session"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeQueueFull           Code = "queue_full"
	CodeStorageExhausted    Code = "storage_exhausted"
	CodeTranscriptionFailed Code = "transcription_failed"
	CodeCapabilityTimeout   Code = "capability_timeout"
	CodeEmbeddingFailed     Code = "embedding_failed"
	CodeLLMFailed           Code = "llm_failed"
	CodeTTSFailed           Code = "tts_failed"
	CodeEmptyQuery          Code = "empty_query"
	CodeCorruptSession      Code = "corrupt_session"
	CodeSessionInterrupted  Code = "session_interrupted"
	CodeOracleNotFound      Code = "oracle_not_found"
	CodeSessionNotReady     Code = "session_not_ready"
	CodeInternal            Code = "internal"
)

// Severity grades an error entry for rendering and logging.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// RecoveryAction pairs a pt-BR button label with the callback token that
// triggers the recovery.
type RecoveryAction struct {
	Label string
	Token string
}

// ErrorEntry is one humanized error: what happened, what the user can do
// about it, and which buttons to offer.
type ErrorEntry struct {
	Code        Code
	Message     string
	Suggestions []string
	Recovery    []RecoveryAction
	Severity    Severity
}

var errorEntries = map[Code]ErrorEntry{
	CodeSessionNotFound: {
		Code:        CodeSessionNotFound,
		Message:     "Sessão não encontrada.",
		Suggestions: []string{"Use /sessions para listar as sessões existentes."},
		Severity:    SeverityWarn,
	},
	CodeNotCollecting: {
		Code:        CodeNotCollecting,
		Message:     "Esta sessão não está mais coletando áudios.",
		Suggestions: []string{"Reabra a sessão para adicionar novos áudios."},
		Recovery:    []RecoveryAction{{Label: "Reabrir", Token: "action:reopen"}},
		Severity:    SeverityWarn,
	},
	CodeActiveSessionExists: {
		Code:        CodeActiveSessionExists,
		Message:     "Já existe uma sessão ativa.",
		Suggestions: []string{"Finalize ou descarte a sessão atual antes de criar outra."},
		Severity:    SeverityWarn,
	},
	CodeEmptySession: {
		Code:        CodeEmptySession,
		Message:     "A sessão não tem áudios para transcrever.",
		Suggestions: []string{"Envie pelo menos um áudio antes de finalizar."},
		Severity:    SeverityInfo,
	},
	CodeInvalidTransition: {
		Code:     CodeInvalidTransition,
		Message:  "Esta operação não é permitida no estado atual da sessão.",
		Severity: SeverityWarn,
	},
	CodeQueueFull: {
		Code:        CodeQueueFull,
		Message:     "A fila de transcrição está cheia no momento.",
		Suggestions: []string{"Aguarde alguns instantes e tente novamente."},
		Recovery:    []RecoveryAction{{Label: "Tentar novamente", Token: "retry:finalize"}},
		Severity:    SeverityWarn,
	},
	CodeStorageExhausted: {
		Code:        CodeStorageExhausted,
		Message:     "Sem espaço em disco para gravar novos dados.",
		Suggestions: []string{"Libere espaço no servidor e tente novamente."},
		Severity:    SeverityError,
	},
	CodeTranscriptionFailed: {
		Code:        CodeTranscriptionFailed,
		Message:     "Falha ao transcrever um ou mais áudios.",
		Suggestions: []string{"Os áudios com falha podem ser reprocessados."},
		Recovery:    []RecoveryAction{{Label: "Repetir transcrições com falha", Token: "retry:failed"}},
		Severity:    SeverityError,
	},
	CodeCapabilityTimeout: {
		Code:        CodeCapabilityTimeout,
		Message:     "O serviço demorou demais para responder.",
		Suggestions: []string{"Tente novamente; se persistir, verifique o serviço externo."},
		Severity:    SeverityWarn,
	},
	CodeEmbeddingFailed: {
		Code:        CodeEmbeddingFailed,
		Message:     "Não foi possível indexar a sessão para busca semântica.",
		Suggestions: []string{"A busca por texto continua funcionando."},
		Recovery:    []RecoveryAction{{Label: "Reindexar", Token: "retry:index"}},
		Severity:    SeverityWarn,
	},
	CodeLLMFailed: {
		Code:     CodeLLMFailed,
		Message:  "O oráculo não conseguiu responder.",
		Recovery: []RecoveryAction{{Label: "Consultar novamente", Token: "retry:oracle"}},
		Severity: SeverityError,
	},
	CodeTTSFailed: {
		Code:        CodeTTSFailed,
		Message:     "Não foi possível gerar o áudio da resposta.",
		Suggestions: []string{"O texto completo está disponível acima."},
		Severity:    SeverityInfo,
	},
	CodeEmptyQuery: {
		Code:     CodeEmptyQuery,
		Message:  "A busca precisa de um texto não vazio.",
		Severity: SeverityInfo,
	},
	CodeCorruptSession: {
		Code:        CodeCorruptSession,
		Message:     "Os dados da sessão estão corrompidos.",
		Suggestions: []string{"A sessão foi movida para quarentena; os arquivos originais foram preservados."},
		Recovery:    []RecoveryAction{{Label: "Verificar integridade", Token: "action:verify"}},
		Severity:    SeverityError,
	},
	CodeSessionInterrupted: {
		Code:    CodeSessionInterrupted,
		Message: "A sessão foi interrompida inesperadamente.",
		Recovery: []RecoveryAction{
			{Label: "Recuperar", Token: "recover:resume_session"},
			{Label: "Descartar", Token: "recover:discard_orphan"},
		},
		Severity: SeverityWarn,
	},
	CodeOracleNotFound: {
		Code:        CodeOracleNotFound,
		Message:     "Oráculo não encontrado.",
		Suggestions: []string{"Use /oracles para ver os oráculos disponíveis."},
		Severity:    SeverityWarn,
	},
	CodeSessionNotReady: {
		Code:        CodeSessionNotReady,
		Message:     "A sessão ainda não está pronta para consulta.",
		Suggestions: []string{"Aguarde a transcrição e a indexação terminarem."},
		Severity:    SeverityInfo,
	},
	CodeInternal: {
		Code:        CodeInternal,
		Message:     "Ocorreu um erro interno.",
		Suggestions: []string{"O problema foi registrado nos logs."},
		Severity:    SeverityError,
	},
}

// Coder is implemented by errors that carry a catalog code.
type Coder interface {
	CatalogCode() Code
}

// Resolve maps err to its humanized entry. Errors implementing [Coder] pick
// their own entry; bare deadline errors map to the timeout entry; anything
// else gets the generic internal entry. Stack traces never reach the user.
func Resolve(err error) ErrorEntry {
	var c Coder
	if errors.As(err, &c) {
		if e, ok := errorEntries[c.CatalogCode()]; ok {
			return e
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorEntries[CodeCapabilityTimeout]
	}
	return errorEntries[CodeInternal]
}

// Lookup returns the entry for code directly.
func Lookup(code Code) (ErrorEntry, bool) {
	e, ok := errorEntries[code]
	return e, ok
}
