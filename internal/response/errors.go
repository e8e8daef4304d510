package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCode        ErrCode = "INVALID_CODE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrEmptyBatch     ErrCode = "EMPTY_BATCH"
	ErrInvalidOption  ErrCode = "INVALID_OPTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound         ErrCode = "NOT_FOUND"
	ErrStudentNotFound  ErrCode = "STUDENT_NOT_FOUND"
	ErrExamNotFound     ErrCode = "EXAM_NOT_FOUND"
	ErrAttemptNotFound  ErrCode = "ATTEMPT_NOT_FOUND"
	ErrQuestionNotFound ErrCode = "QUESTION_NOT_FOUND"
	ErrConflict         ErrCode = "CONFLICT"

	// ─── Exam-specific ─────────────────────────────────────────────────
	ErrExamClosed       ErrCode = "EXAM_CLOSED"
	ErrExamNotOpen      ErrCode = "EXAM_NOT_OPEN"
	ErrNotEnrolled      ErrCode = "NOT_ENROLLED"
	ErrNoQuestions      ErrCode = "NO_QUESTIONS"
	ErrNotInProgress    ErrCode = "ATTEMPT_NOT_IN_PROGRESS"
	ErrAlreadySubmitted ErrCode = "ATTEMPT_ALREADY_SUBMITTED"
	ErrConcurrentWrite  ErrCode = "CONCURRENT_WRITE"

	// ─── Device ────────────────────────────────────────────────────────
	ErrDeviceUnavailable ErrCode = "DEVICE_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCode:
		return "Kode ujian tidak valid."
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrEmptyBatch:
		return "Daftar jawaban tidak boleh kosong."
	case ErrInvalidOption:
		return "Pilihan jawaban tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrStudentNotFound:
		return "Siswa tidak ditemukan."
	case ErrExamNotFound:
		return "Ujian tidak ditemukan."
	case ErrAttemptNotFound:
		return "Percobaan ujian tidak ditemukan."
	case ErrQuestionNotFound:
		return "Pertanyaan tidak ditemukan pada ujian ini."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Exam-specific ─────────────────────────────────────────────────
	case ErrExamClosed:
		return "Ujian ini sudah ditutup."
	case ErrExamNotOpen:
		return "Ujian ini belum dibuka."
	case ErrNotEnrolled:
		return "Anda tidak terdaftar pada ujian ini."
	case ErrNoQuestions:
		return "Ujian ini tidak memiliki pertanyaan."
	case ErrNotInProgress:
		return "Ujian ini tidak sedang berlangsung."
	case ErrAlreadySubmitted:
		return "Ujian ini sudah dikumpulkan."
	case ErrConcurrentWrite:
		return "Jawaban sedang disimpan oleh permintaan lain. Silakan coba lagi."

	// ─── Device ────────────────────────────────────────────────────────
	case ErrDeviceUnavailable:
		return "Perangkat tidak tersedia sementara. Silakan coba lagi."

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
