package parser

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// fallbackEncodings 声明charset缺失或标注错误时的候选编码，
// 按邮件里实际出现的频率排序。Windows-1252放最后兜底，
// 它对任意字节都能解码成功
var fallbackEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	traditionalchinese.Big5,
	japanese.ShiftJIS,
	korean.EUCKR,
	charmap.Windows1252,
}

// ensureUTF8 把正文字节转成合法UTF-8字符串。
// 已经是合法UTF-8的原样返回；否则依次尝试候选编码，
// 取第一个解码后不含替换符的结果。
func ensureUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	for _, enc := range fallbackEncodings {
		decoded, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		if utf8.Valid(decoded) && !strings.ContainsRune(string(decoded), utf8.RuneError) {
			return string(decoded)
		}
	}
	// 全部候选都不干净，按Latin-1逐字节映射保住内容
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}
