// Package manifest 从 HCL 文件中读取任务定义，供命令行批量注册使用。
//
//	task "7" {
//	  target   = "0x00000000000000000000000000000000000000aa"
//	  function = "ping(uint256,address,bytes)"
//	  args     = [42, address("0x00000000000000000000000000000000000000bb"), bytes("0xdead")]
//	  resolver = "0x00000000000000000000000000000000000000cc"
//	}
package manifest
