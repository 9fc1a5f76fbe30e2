package internal

import "errors"

// 錯誤分類設計：
//   此子系統的所有錯誤都是可恢復的，呼叫端依哨兵錯誤決定處置方式：
//   - ErrRoomNotFound：呼叫端可以選擇建立房間或直接忽略
//   - ErrAlreadyMember / ErrNotAMember：偏好冪等語義，多數呼叫端視為 no-op
//   - ErrWrongPassword：回傳給終端使用者（拒絕存取）
//   - ErrRoomFull：回傳給終端使用者（容量拒絕）
//   持久化失敗不在此列：註冊表邊界只記錄日誌並降級為純記憶體狀態，
//   不會讓一次成功的記憶體加入因為後端寫入失敗而失敗。
var (
	ErrRoomNotFound  = errors.New("房間不存在")
	ErrAlreadyMember = errors.New("成員已在房間內")
	ErrNotAMember    = errors.New("成員不在房間內")
	ErrWrongPassword = errors.New("密碼錯誤")
	ErrRoomFull      = errors.New("房間已滿")
)
