package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrNotAttemptOwner     ErrCode = "NOT_ATTEMPT_OWNER"
	ErrNotEligible         ErrCode = "NOT_ELIGIBLE"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrNoEligibleQuestions ErrCode = "NO_ELIGIBLE_QUESTIONS"
	ErrInvalidTransition   ErrCode = "INVALID_TRANSITION"
	ErrInvalidAnswerIndex  ErrCode = "INVALID_ANSWER_INDEX"
	ErrIncompleteAttempt   ErrCode = "INCOMPLETE_ATTEMPT"
	ErrCorruptAttempt      ErrCode = "CORRUPT_ATTEMPT"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrCandidateAccessOnly:
		return "Sumber daya ini terbatas untuk peserta ujian."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas ujian."
	case ErrNotAttemptOwner:
		return "Percobaan ujian ini bukan milik Anda."
	case ErrNotEligible:
		return "Anda tidak memenuhi syarat untuk ujian ini."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrNoEligibleQuestions:
		return "Tidak ada soal yang sesuai untuk ujian ini."
	case ErrInvalidTransition:
		return "Tindakan ini tidak diperbolehkan pada status ujian saat ini."
	case ErrInvalidAnswerIndex:
		return "Nomor soal atau pilihan jawaban tidak valid."
	case ErrIncompleteAttempt:
		return "Masih ada soal yang belum dijawab."
	case ErrCorruptAttempt:
		return "Data percobaan ujian rusak dan tidak dapat dilanjutkan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
