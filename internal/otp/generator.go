package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// alphanumericAlphabet 去除易混淆字符（0/O、1/I/L）的字符集
const alphanumericAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// GenerateNumericCode 生成指定长度的随机数字验证码，保留前导零
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("验证码长度必须大于0")
	}

	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("生成随机数字失败: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// GenerateAlphanumericCode 生成指定长度的随机字母数字验证码
func GenerateAlphanumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("验证码长度必须大于0")
	}

	alphabetSize := big.NewInt(int64(len(alphanumericAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("生成随机字符失败: %w", err)
		}
		buf[i] = alphanumericAlphabet[n.Int64()]
	}
	return string(buf), nil
}
