package utils

import (
	"github.com/fxamacker/cbor/v2"
)

// 持久化与指纹直方图统一使用 CBOR Core Deterministic 编码，相同数据得到相同字节
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("utils: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("utils: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 编码为确定性 CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码 CBOR，未知字段被忽略
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
