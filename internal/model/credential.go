package model

import "strings"

// 資格情報ストアのキー。
const (
	CredentialKeyToken = "token"
	CredentialKeyPHID  = "phid"
)

const (
	tokenPrefix    = "api-"
	userPHIDPrefix = "PHID-USER-"
)

// IsValidToken はConduit APIトークンの形式（api-で始まる）を満たすかを返す。
func IsValidToken(token string) bool {
	return strings.HasPrefix(token, tokenPrefix)
}

// IsValidUserPHID はユーザーPHIDの形式（PHID-USER-で始まる）を満たすかを返す。
func IsValidUserPHID(phid string) bool {
	return strings.HasPrefix(phid, userPHIDPrefix)
}

// MaskToken はトークンの末尾4文字以外を伏せた文字列を返す。
func MaskToken(token string) string {
	if len(token) <= len(tokenPrefix)+4 {
		return tokenPrefix + "****"
	}
	return tokenPrefix + "****" + token[len(token)-4:]
}
