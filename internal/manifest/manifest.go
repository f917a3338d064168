package manifest

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	xerrors "SoroTask/internal/errors"
	"SoroTask/internal/task"
	"SoroTask/pkg/logger"
)

// fileRoot 对应单个清单文件的顶层结构。
type fileRoot struct {
	Tasks  []*taskBlock `hcl:"task,block"`
	Remain hcl.Body     `hcl:",remain"`
}

type taskBlock struct {
	ID         string         `hcl:"id,label"`
	Creator    string         `hcl:"creator,optional"`
	Target     string         `hcl:"target"`
	Function   string         `hcl:"function"`
	Args       hcl.Expression `hcl:"args,optional"`
	Resolver   string         `hcl:"resolver,optional"`
	Interval   uint64         `hcl:"interval,optional"`
	LastRun    uint64         `hcl:"last_run,optional"`
	GasBalance string         `hcl:"gas_balance,optional"`
}

// Load 读取给定路径下所有 .hcl 文件中的任务定义，目录会被递归遍历。
func Load(paths ...string) ([]task.Record, error) {
	files, err := findFiles(paths)
	if err != nil {
		return nil, err
	}
	parser := hclparse.NewParser()
	var records []task.Record
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, diags, fmt.Sprintf("解析清单 %s 失败", file))
		}
		decoded, err := decode(f.Body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解码清单 %s 失败", file))
		}
		records = append(records, decoded...)
	}
	logger.Named("manifest").Debug("清单加载完成", "files", len(files), "tasks", len(records))
	return merge(records)
}

// Parse 解析内存中的清单内容，filename 仅用于诊断信息。
func Parse(filename string, src []byte) ([]task.Record, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, diags, "解析清单失败")
	}
	records, err := decode(f.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解码清单失败")
	}
	return merge(records)
}

func decode(body hcl.Body) ([]task.Record, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(body, nil, &root); diags.HasErrors() {
		return nil, diags
	}
	ctx := &hcl.EvalContext{Functions: functions()}

	records := make([]task.Record, 0, len(root.Tasks))
	for _, block := range root.Tasks {
		id, err := strconv.ParseUint(strings.TrimSpace(block.ID), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("任务标签 %q 不是合法的 id: %w", block.ID, err)
		}
		t := &task.Task{
			Creator:  block.Creator,
			Target:   block.Target,
			Function: block.Function,
			Args:     []task.Value{},
			Resolver: block.Resolver,
			Interval: block.Interval,
			LastRun:  block.LastRun,
		}
		if block.GasBalance != "" {
			gas, ok := new(big.Int).SetString(block.GasBalance, 10)
			if !ok {
				return nil, fmt.Errorf("任务 %d 的 gas_balance %q 不是十进制整数", id, block.GasBalance)
			}
			t.GasBalance = gas
		}
		if block.Args != nil {
			val, diags := block.Args.Value(ctx)
			if diags.HasErrors() {
				return nil, diags
			}
			if !val.IsNull() {
				args, err := toValue(val)
				if err != nil {
					return nil, fmt.Errorf("任务 %d 的 args 无法转换: %w", id, err)
				}
				list, ok := args.AsList()
				if !ok {
					return nil, fmt.Errorf("任务 %d 的 args 必须是列表", id)
				}
				t.Args = list
			}
		}
		records = append(records, task.Record{ID: id, Task: t})
	}
	return records, nil
}

// toValue 将 cty 值映射为任务参数。
func toValue(v cty.Value) (task.Value, error) {
	if v.IsNull() {
		return task.Value{}, fmt.Errorf("参数不能为 null")
	}
	if !v.IsKnown() {
		return task.Value{}, fmt.Errorf("参数值未知")
	}
	ty := v.Type()
	switch {
	case ty.Equals(addressType):
		return task.Address(*v.EncapsulatedValue().(*string)), nil
	case ty.Equals(bytesType):
		return task.Bytes(*v.EncapsulatedValue().(*[]byte)), nil
	case ty.Equals(cty.Bool):
		return task.Bool(v.True()), nil
	case ty.Equals(cty.String):
		return task.String(v.AsString()), nil
	case ty.Equals(cty.Number):
		bf := v.AsBigFloat()
		if !bf.IsInt() {
			return task.Value{}, fmt.Errorf("数字 %s 不是整数", bf.Text('g', -1))
		}
		n, _ := bf.Int(nil)
		return task.BigInt(n), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		items := make([]task.Value, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			item, err := toValue(elem)
			if err != nil {
				return task.Value{}, err
			}
			items = append(items, item)
		}
		return task.List(items...), nil
	default:
		return task.Value{}, fmt.Errorf("不支持的参数类型 %s", ty.FriendlyName())
	}
}

func merge(records []task.Record) ([]task.Record, error) {
	seen := make(map[uint64]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("任务 %d 被重复定义", r.ID))
		}
		seen[r.ID] = struct{}{}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func findFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无法访问清单路径 %s", path))
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("遍历清单目录 %s 失败", path))
		}
	}
	return files, nil
}
