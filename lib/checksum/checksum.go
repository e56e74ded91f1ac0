package checksum

import "crypto/sha256"

// CalculateCheckSum folds the first four bytes of the sha256 digest into an
// int, which keeps the value small enough to travel as a plain form field.
func CalculateCheckSum(data []byte) int {
	result := 0
	bytes := sha256.Sum256(data)

	for i := 0; i < 4; i++ {
		result = result << 8
		result += int(bytes[i])
	}

	return result
}
