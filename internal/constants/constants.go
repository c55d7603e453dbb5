package constants

// 支付驱动
const (
	DriverAlipay = "alipay"
	DriverWechat = "wechat"
)

// DefaultProfile 未指定时使用的配置档名称
const DefaultProfile = "default"

// 支付方式（pay 的 method 参数）
const (
	PayMethodWeb             = "web"
	PayMethodWap             = "wap"
	PayMethodApp             = "app"
	PayMethodPos             = "pos"
	PayMethodScan            = "scan"
	PayMethodMiniProgram     = "miniProgram"
	PayMethodOfficialAccount = "officialAccount"
	PayMethodTransfer        = "transfer"
)

// 回调应答
const (
	AlipayNotifySuccess = "success"
	AlipayNotifyFail    = "fail"
	WechatNotifySuccess = "SUCCESS"
	WechatNotifyFail    = "FAIL"
)

// 支付宝业务码
const AlipaySuccessCode = "10000"

// 队列名称
const (
	QueueDefault  = "default"
	QueueCritical = "critical"
)

// 任务类型
const (
	TaskPaymentNotification = "payment:notification"
)
